//go:build !linux

package sandbox

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

type ProcessRuntime struct{}

func NewProcessRuntime(string, logrus.FieldLogger) (*ProcessRuntime, error) {
	return nil, errors.New("process runtime requires linux")
}

func (r *ProcessRuntime) Name() string { return "process" }

func (r *ProcessRuntime) Launch(context.Context, LaunchSpec) (Instance, error) {
	return nil, errors.New("process runtime requires linux")
}
