package main

import (
	"fmt"

	"personscan/internal/config"
	"personscan/internal/pipeline"
	"personscan/internal/pipeline/detectors"
)

// buildDetectors connects to the body and face detectors and registers them.
// face is nil when face detection is disabled.
func buildDetectors(c *config.Config, pc pipeline.Config) (*detectors.Registry, pipeline.Detector, pipeline.Detector, error) {
	transport, err := c.Transport()
	if err != nil {
		return nil, nil, nil, err
	}

	registry := detectors.NewRegistry()
	fail := func(err error) (*detectors.Registry, pipeline.Detector, pipeline.Detector, error) {
		_ = registry.Close()
		return nil, nil, nil, err
	}

	body, err := detectors.NewRemote(transport, detectors.BodyDetectorName, c.BodyDetectorEndpoint, log)
	if err != nil {
		return fail(fmt.Errorf("body detector: %w", err))
	}
	if err := registry.Register(body); err != nil {
		_ = body.Close()
		return fail(err)
	}

	var face pipeline.Detector
	if pc.FaceDetectionEnabled {
		face, err = detectors.NewRemote(transport, detectors.FaceDetectorName, c.FaceDetectorEndpoint, log)
		if err != nil {
			return fail(fmt.Errorf("face detector: %w", err))
		}
		if err := registry.Register(face); err != nil {
			_ = face.Close()
			return fail(err)
		}
	}

	return registry, body, face, nil
}
