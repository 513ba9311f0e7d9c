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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/config"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/constants"
)

var _ = Describe("Config", func() {
	var log *zap.SugaredLogger

	BeforeEach(func() {
		log = zap.NewNop().Sugar()
	})

	Describe("Default", func() {
		It("should use a five second operation timeout", func() {
			Expect(config.Default().Timeouts.Operation).To(Equal(constants.DefaultOperationTimeout))
			Expect(config.Default().Timeouts.Operation).To(Equal(5 * time.Second))
		})

		It("should not validate without thing and broker", func() {
			Expect(config.Default().Validate()).ToNot(Succeed())
		})
	})

	Describe("LoadFile", func() {
		It("should return defaults for a missing file", func() {
			cfg, err := config.LoadFile(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg).To(Equal(config.Default()))
		})

		It("should overlay the file on the defaults", func() {
			path := filepath.Join(GinkgoT().TempDir(), "agent.yaml")
			Expect(os.WriteFile(path, []byte(`
thingName: pump-7
broker:
  url: tcp://localhost:1883
  qos: 0
timeouts:
  operation: 2s
reconnect:
  min: 500ms
  max: 10s
  rate: 1.5
`), 0o600)).To(Succeed())

			cfg, err := config.LoadFile(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.ThingName).To(Equal("pump-7"))
			Expect(cfg.Broker.URL).To(Equal("tcp://localhost:1883"))
			Expect(cfg.Broker.QoS).To(Equal(0))
			Expect(cfg.Timeouts.Operation).To(Equal(2 * time.Second))
			Expect(cfg.Timeouts.Connect).To(Equal(constants.DefaultConnectTimeout))
			Expect(cfg.Reconnect.Rate).To(Equal(1.5))
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should fail on malformed yaml", func() {
			path := filepath.Join(GinkgoT().TempDir(), "broken.yaml")
			Expect(os.WriteFile(path, []byte("thingName: [unclosed"), 0o600)).To(Succeed())

			_, err := config.LoadFile(path)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("LoadConfigWithEnvOverrides", func() {
		It("should let environment variables win over the file", func() {
			path := filepath.Join(GinkgoT().TempDir(), "agent.yaml")
			Expect(os.WriteFile(path, []byte("thingName: from-file\nbroker:\n  url: tcp://file:1883\n"), 0o600)).To(Succeed())

			GinkgoT().Setenv("CONFIG_FILE", path)
			GinkgoT().Setenv("THING_NAME", "from-env")
			GinkgoT().Setenv("OPERATION_TIMEOUT", "750ms")
			GinkgoT().Setenv("RECONNECT_BACKOFF_RATE", "3")
			GinkgoT().Setenv("JOBS_ENABLED", "false")

			cfg, err := config.LoadConfigWithEnvOverrides(log)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.ThingName).To(Equal("from-env"))
			Expect(cfg.Broker.URL).To(Equal("tcp://file:1883"))
			Expect(cfg.Broker.ClientID).To(Equal("from-env"))
			Expect(cfg.Timeouts.Operation).To(Equal(750 * time.Millisecond))
			Expect(cfg.Reconnect.Rate).To(Equal(3.0))
			Expect(cfg.Jobs.Enabled).To(BeFalse())
		})

		It("should ignore malformed values", func() {
			GinkgoT().Setenv("CONFIG_FILE", "")
			GinkgoT().Setenv("THING_NAME", "pump")
			GinkgoT().Setenv("MQTT_BROKER_URL", "tcp://localhost:1883")
			GinkgoT().Setenv("OPERATION_TIMEOUT", "soon")
			GinkgoT().Setenv("MQTT_QOS", "high")

			cfg, err := config.LoadConfigWithEnvOverrides(log)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Timeouts.Operation).To(Equal(constants.DefaultOperationTimeout))
			Expect(cfg.Broker.QoS).To(Equal(constants.DefaultQoS))
		})

		It("should reject an invalid result", func() {
			GinkgoT().Setenv("CONFIG_FILE", "")
			GinkgoT().Setenv("THING_NAME", "pump")
			GinkgoT().Setenv("MQTT_BROKER_URL", "tcp://localhost:1883")
			GinkgoT().Setenv("MQTT_QOS", "5")

			_, err := config.LoadConfigWithEnvOverrides(log)
			Expect(err).To(MatchError(ContainSubstring("qos")))
		})
	})
})
