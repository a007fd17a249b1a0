package logging

import (
	"bytes"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ = Describe("build", func() {
	var out *bytes.Buffer

	BeforeEach(func() {
		out = &bytes.Buffer{}
	})

	It("writes structured JSON lines", func() {
		logger, err := build("info", FormatJSON, zapcore.AddSync(out))
		Expect(err).NotTo(HaveOccurred())

		logger.Info("relay started", zap.String("app", "test-app"))
		Expect(logger.Sync()).To(Succeed())

		var entry map[string]any
		Expect(json.Unmarshal(out.Bytes(), &entry)).To(Succeed())
		Expect(entry).To(HaveKeyWithValue("msg", "relay started"))
		Expect(entry).To(HaveKeyWithValue("app", "test-app"))
		Expect(entry).To(HaveKeyWithValue("level", "info"))
	})

	It("filters entries below the level", func() {
		logger, err := build("WARN", FormatConsole, zapcore.AddSync(out))
		Expect(err).NotTo(HaveOccurred())

		logger.Info("webhook relayed")
		logger.Warn("relay session stop failed")

		Expect(out.String()).NotTo(ContainSubstring("webhook relayed"))
		Expect(out.String()).To(ContainSubstring("relay session stop failed"))
		Expect(out.String()).To(ContainSubstring("WARN"))
	})

	It("defaults to info on the console", func() {
		logger, err := build("", "", zapcore.AddSync(out))
		Expect(err).NotTo(HaveOccurred())

		logger.Debug("hidden")
		logger.Info("shown")

		Expect(out.String()).To(ContainSubstring("shown"))
		Expect(out.String()).NotTo(ContainSubstring("hidden"))
	})

	It("rejects unknown levels and formats", func() {
		_, err := build("loud", FormatJSON, zapcore.AddSync(out))
		Expect(err).To(MatchError(ContainSubstring(`invalid log level "loud"`)))

		_, err = build("info", "xml", zapcore.AddSync(out))
		Expect(err).To(MatchError(`invalid log format "xml"`))
	})
})

var _ = Describe("New", func() {
	It("builds a stderr logger", func() {
		logger, err := New("debug", FormatJSON)
		Expect(err).NotTo(HaveOccurred())
		Expect(logger.Core().Enabled(zapcore.DebugLevel)).To(BeTrue())
	})
})
