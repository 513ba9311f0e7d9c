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

package transport_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/backoff"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/config"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/transport"
)

var _ = Describe("MatchTopic", func() {
	DescribeTable("matches MQTT filters",
		func(filter, topic string, expected bool) {
			Expect(transport.MatchTopic(filter, topic)).To(Equal(expected))
		},
		Entry("exact", "$aws/things/pump/shadow/update/delta", "$aws/things/pump/shadow/update/delta", true),
		Entry("different leaf", "$aws/things/pump/shadow/update/accepted", "$aws/things/pump/shadow/update/rejected", false),
		Entry("single level wildcard", "$aws/things/pump/jobs/+/update/accepted", "$aws/things/pump/jobs/job-1/update/accepted", true),
		Entry("single level wildcard does not span levels", "$aws/things/pump/jobs/+/accepted", "$aws/things/pump/jobs/job-1/update/accepted", false),
		Entry("multi level wildcard", "$aws/things/pump/#", "$aws/things/pump/shadow/get/accepted", true),
		Entry("multi level wildcard matches parent", "$aws/things/pump/#", "$aws/things/pump", true),
		Entry("longer topic", "$aws/things/pump", "$aws/things/pump/shadow", false),
		Entry("longer filter", "$aws/things/pump/shadow", "$aws/things/pump", false),
	)

	It("should return single topic levels", func() {
		Expect(transport.TopicLevel("$aws/things/pump/jobs/job-1/update", 4)).To(Equal("job-1"))
		Expect(transport.TopicLevel("a/b", 5)).To(BeEmpty())
	})
})

var _ = Describe("MockClient", func() {
	var (
		client *transport.MockClient
		ctx    context.Context
	)

	BeforeEach(func() {
		client = transport.NewMockClient()
		ctx = context.Background()
	})

	It("should refuse to publish while disconnected", func() {
		err := client.Publish(ctx, "a/b", 1, []byte("{}"))
		Expect(err).To(MatchError(transport.ErrNotConnected))
	})

	It("should record publishes and call the hook", func() {
		Expect(client.Connect(ctx)).To(Succeed())
		var seen atomic.Int32
		client.SetOnPublish(func(msg transport.PublishedMessage) {
			seen.Add(1)
		})

		Expect(client.Publish(ctx, "a/b", 1, []byte(`{"x":1}`))).To(Succeed())
		Expect(client.Publish(ctx, "a/c", 0, []byte(`{}`))).To(Succeed())

		Expect(seen.Load()).To(BeEquivalentTo(2))
		Expect(client.Published()).To(HaveLen(2))
		Expect(client.PublishedTo("a/b")).To(ConsistOf(transport.PublishedMessage{Topic: "a/b", QoS: 1, Payload: []byte(`{"x":1}`)}))
	})

	It("should fail publishes with the configured error", func() {
		Expect(client.Connect(ctx)).To(Succeed())
		boom := errors.New("broker gone") //nolint:err113 // Test needs dynamic error
		client.SetPublishError(boom)
		Expect(client.Publish(ctx, "a/b", 1, nil)).To(MatchError(boom))
		Expect(client.Published()).To(BeEmpty())

		client.SetPublishError(nil)
		Expect(client.Publish(ctx, "a/b", 1, nil)).To(Succeed())
	})

	It("should deliver to matching subscriptions only", func() {
		Expect(client.Connect(ctx)).To(Succeed())
		var jobs, shadow atomic.Int32
		Expect(client.Subscribe(ctx, "things/pump/jobs/+/update/accepted", 1, func(string, []byte) { jobs.Add(1) })).To(Succeed())
		Expect(client.Subscribe(ctx, "things/pump/shadow/#", 1, func(string, []byte) { shadow.Add(1) })).To(Succeed())

		Expect(client.Deliver("things/pump/jobs/j1/update/accepted", nil)).To(Equal(1))
		Expect(client.DeliverSync("things/pump/shadow/update/delta", nil)).To(Equal(1))
		Expect(client.Deliver("things/other/shadow/update/delta", nil)).To(Equal(0))

		Eventually(jobs.Load).Should(BeEquivalentTo(1))
		Expect(shadow.Load()).To(BeEquivalentTo(1))
		Expect(client.Subscriptions()).To(HaveLen(2))
	})
})

var _ = Describe("NewTLSConfig", func() {
	It("should report missing certificates as permanent errors", func() {
		dir := GinkgoT().TempDir()
		_, err := transport.NewTLSConfig(config.TLSConfig{
			Enabled:  true,
			CertFile: filepath.Join(dir, "tls.crt"),
			KeyFile:  filepath.Join(dir, "tls.key"),
		})
		Expect(err).To(HaveOccurred())
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
	})

	It("should report a missing CA file as a permanent error", func() {
		_, err := transport.NewTLSConfig(config.TLSConfig{
			Enabled: true,
			CAFile:  filepath.Join(GinkgoT().TempDir(), "ca.crt"),
		})
		Expect(err).To(HaveOccurred())
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
	})
})

var _ = Describe("PahoClient", func() {
	It("should not be connected before Connect", func() {
		cfg := config.Default()
		cfg.ThingName = "pump"
		cfg.Broker.URL = "tcp://127.0.0.1:1"
		cfg.Broker.ClientID = "pump"

		client, err := transport.NewPahoClient(cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(client.IsConnected()).To(BeFalse())
		Expect(client.ReadinessCheck()()).To(HaveOccurred())
		Expect(client.Publish(context.Background(), "a/b", 1, nil)).To(MatchError(transport.ErrNotConnected))
	})

	It("should give up connecting when the context is cancelled", func() {
		cfg := config.Default()
		cfg.ThingName = "pump"
		cfg.Broker.URL = "tcp://127.0.0.1:1"
		cfg.Broker.ClientID = "pump"
		cfg.Reconnect.Min = 10 * time.Millisecond
		cfg.Reconnect.Max = 20 * time.Millisecond

		client, err := transport.NewPahoClient(cfg)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		Expect(client.Connect(ctx)).To(HaveOccurred())
	})
})
