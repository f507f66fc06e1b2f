/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package deadletter

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/config"
)

// New builds the sink selected by cfg.DeadLetter.Backend.
func New(cfg config.Config, logger *zap.Logger) (Sink, error) {
	switch cfg.DeadLetter.Backend {
	case "", "kafka":
		return NewKafkaSink(cfg.DeadLetter, cfg.Kafka, logger)
	case "file":
		return NewFileSink(cfg.DeadLetter.Directory)
	default:
		return nil, fmt.Errorf("unknown dead-letter backend %q", cfg.DeadLetter.Backend)
	}
}
