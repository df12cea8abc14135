package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personscan_frames_captured_total",
		Help: "Total number of frames read from the source",
	})

	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personscan_frames_dropped_total",
		Help: "Total number of frames dropped because a subscriber was busy",
	})

	SourceReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personscan_source_reconnects_total",
		Help: "Total number of capture restarts",
	})

	FramesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personscan_frames_delivered_total",
		Help: "Total number of frames delivered to the pipeline",
	})

	FramesUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personscan_frames_unavailable_total",
		Help: "Total number of frames abandoned because they carried no readable pixels",
	})

	DetectionPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personscan_detection_passes_total",
		Help: "Total number of detection passes, by pass and status",
	}, []string{"pass", "status"})

	DetectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "personscan_detection_duration_seconds",
		Help:    "Duration of detector calls",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"pass"})

	ExtractionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personscan_face_extraction_failures_total",
		Help: "Total number of face boxes that could not be cropped",
	})

	FacesOfferedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personscan_faces_offered_total",
		Help: "Total number of face crops offered to the gallery, by result",
	}, []string{"result"})

	DetectionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "personscan_detections_in_flight",
		Help: "Number of detector calls currently outstanding",
	})

	PersonCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "personscan_person_count",
		Help: "Number of people in the most recently applied body detection",
	})

	GallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "personscan_gallery_size",
		Help: "Number of faces stored in the gallery",
	})
)
