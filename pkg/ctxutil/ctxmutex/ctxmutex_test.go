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

package ctxmutex_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/ctxutil/ctxmutex"
)

var _ = Describe("CtxMutex", func() {
	var mu *ctxmutex.CtxMutex

	BeforeEach(func() {
		mu = ctxmutex.NewCtxMutex()
	})

	It("should give up waiting when the context expires", func() {
		Expect(mu.Lock(context.Background())).To(Succeed())
		defer mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		Expect(mu.Lock(ctx)).To(MatchError(context.DeadlineExceeded))
	})

	It("should report whether TryLock acquired the lock", func() {
		Expect(mu.TryLock()).To(BeTrue())
		Expect(mu.TryLock()).To(BeFalse())
		mu.Unlock()
		Expect(mu.TryLock()).To(BeTrue())
		mu.Unlock()
	})

	It("should block WaitUnlocked until the holder releases", func() {
		Expect(mu.Lock(context.Background())).To(Succeed())

		released := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			Expect(mu.WaitUnlocked(context.Background())).To(Succeed())
			close(released)
		}()

		Consistently(released, 50*time.Millisecond).ShouldNot(BeClosed())
		mu.Unlock()
		Eventually(released).Should(BeClosed())

		// WaitUnlocked must not keep the lock
		Expect(mu.TryLock()).To(BeTrue())
		mu.Unlock()
	})
})
