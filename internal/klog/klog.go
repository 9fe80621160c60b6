// Package klog adapts a logrus.FieldLogger to internal/kernel.Logger. The
// kernel package never imports logrus directly (SPEC_FULL.md section A):
// the simulator CLI constructs the real logger at the entrypoint and hands
// it down, matching the teacher's runsc/cli/main.go pattern.
package klog

import (
	"github.com/sirupsen/logrus"

	"github.com/tocksim/kernel/internal/kernel"
)

// Adapter wraps a logrus.FieldLogger to satisfy kernel.Logger.
type Adapter struct {
	log logrus.FieldLogger
}

var _ kernel.Logger = (*Adapter)(nil)

// New wraps log.
func New(log logrus.FieldLogger) *Adapter { return &Adapter{log: log} }

func (a *Adapter) Debugf(format string, args ...any)    { a.log.Debugf(format, args...) }
func (a *Adapter) Infof(format string, args ...any)     { a.log.Infof(format, args...) }
func (a *Adapter) Warningf(format string, args ...any)  { a.log.Warnf(format, args...) }
