// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Policy describes an exponential retry schedule. The delay starts at Min,
// grows by Rate after every failed attempt and is capped at Max.
// A zero MaxElapsed retries until the context is cancelled.
type Policy struct {
	Min        time.Duration
	Max        time.Duration
	Rate       float64
	MaxElapsed time.Duration
}

// NewExponential returns a fresh backoff for the policy.
func (p Policy) NewExponential() *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	if p.Min > 0 {
		b.InitialInterval = p.Min
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	if p.Rate >= 1 {
		b.Multiplier = p.Rate
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()

	return b
}

// Retry runs op until it succeeds, returns a permanent error (see
// NewPermanentError), or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, log *zap.SugaredLogger, op func() error) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return cbackoff.Permanent(err)
		}
		err := op()
		if err != nil && IsPermanentError(err) {
			return cbackoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, next time.Duration) {
		log.Warnf("Attempt failed, retrying in %s: %s", next, err)
	}

	err := cbackoff.RetryNotify(wrapped, cbackoff.WithContext(p.NewExponential(), ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !IsPermanentError(err) {
		return ctxErr
	}

	return err
}
