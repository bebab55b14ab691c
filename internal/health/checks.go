package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/devmatch"
)

// APIKey returns a [Check] that fails when the provider credential is
// missing. Without it every connect attempt would be rejected by the agent.
func APIKey(provider, key string) Check {
	return Check{
		Name: "provider",
		Probe: func(context.Context) error {
			if key == "" {
				return fmt.Errorf("no API key configured for %s", provider)
			}
			return nil
		},
	}
}

// Devices returns a [Check] that enumerates the host sound devices with
// list and verifies that both configured endpoints resolve through m. Empty
// endpoint names select the host default and always pass.
func Devices(list func() ([]devmatch.Device, error), m *devmatch.Matcher, ep audio.Endpoints) Check {
	return Check{
		Name: "audio",
		Probe: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			devices, err := list()
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}
			var errs []error
			if ep.Capture != "" {
				if _, err := m.Find(devices, ep.Capture, devmatch.RoleCapture); err != nil {
					errs = append(errs, err)
				}
			}
			if ep.Render != "" {
				if _, err := m.Find(devices, ep.Render, devmatch.RoleRender); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}
