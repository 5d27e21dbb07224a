package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfgrab_attempts_total",
		Help: "Total number of acquisition attempts",
	})

	DownloadsSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfgrab_downloads_success_total",
		Help: "Total number of successfully acquired artifacts",
	})

	DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfgrab_downloads_failed_total",
		Help: "Total number of tasks that exhausted their attempt budget",
	})

	TasksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfgrab_tasks_skipped_total",
		Help: "Total number of tasks skipped because a valid file already existed",
	})

	TokenRefetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfgrab_token_refetches_total",
		Help: "Total number of interstitial confirmation-token re-fetches",
	})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pdfgrab_download_duration_seconds",
		Help:    "Per-task acquisition duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfgrab_download_bytes_total",
		Help: "Total bytes written to destination files",
	})
)
