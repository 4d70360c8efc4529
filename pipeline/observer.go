/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pipeline

import (
	"github.com/sirupsen/logrus"
)

// Stage names one step of the pipeline, in execution order.
type Stage string

const (
	StageAnalyze   Stage = "analyze"
	StageCopy      Stage = "copy"
	StageExtract   Stage = "extract"
	StageKernel    Stage = "kernel"
	StageManifest  Stage = "manifest"
	StageSquashfs  Stage = "squashfs"
	StageChecksums Stage = "checksums"
	StageAssembly  Stage = "assembly"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageAnalyze,
	StageCopy,
	StageExtract,
	StageKernel,
	StageManifest,
	StageSquashfs,
	StageChecksums,
	StageAssembly,
}

// Indicator is the state shown next to a stage.
type Indicator string

const (
	IndicatorBullet     Indicator = "bullet"
	IndicatorProcessing Indicator = "processing"
	IndicatorOK         Indicator = "ok"
	IndicatorError      Indicator = "error"
	IndicatorOptional   Indicator = "optional"
)

// Observer follows the pipeline. Calls arrive on the goroutine running the
// pipeline, except Progress, which may come from a runner goroutine.
type Observer interface {
	Status(stage Stage, indicator Indicator, message string)
	Progress(stage Stage, percent float64)
}

// LogObserver reports stages as log lines and progress in steps of ten
// percent.
type LogObserver struct {
	Log  *logrus.Entry
	last map[Stage]int
}

func NewLogObserver(log *logrus.Entry) *LogObserver {
	return &LogObserver{Log: log, last: map[Stage]int{}}
}

func (l *LogObserver) Status(stage Stage, indicator Indicator, message string) {
	entry := l.Log.WithFields(logrus.Fields{"stage": stage, "status": indicator})
	switch indicator {
	case IndicatorError:
		entry.Error(message)
	case IndicatorProcessing:
		l.last[stage] = -1
		entry.Info("started")
	default:
		if message == "" {
			message = string(indicator)
		}
		entry.Info(message)
	}
}

func (l *LogObserver) Progress(stage Stage, percent float64) {
	step := int(percent) / 10
	if last, seen := l.last[stage]; seen && step <= last {
		return
	}
	l.last[stage] = step
	l.Log.WithField("stage", stage).Infof("%d%%", step*10)
}

type nopObserver struct{}

func (nopObserver) Status(Stage, Indicator, string) {}
func (nopObserver) Progress(Stage, float64)         {}
