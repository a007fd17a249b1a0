package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/pflag"

	"github.com/kehao95/gh-app-relay/internal/config"
)

func setenv(key, value string) {
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(os.Unsetenv, key)
}

var _ = Describe("Load", func() {
	var (
		flags *pflag.FlagSet
		dir   string
	)

	parse := func(args ...string) config.Config {
		Expect(flags.Parse(append(args, "--env-file", filepath.Join(dir, "missing.env")))).To(Succeed())
		cfg, err := config.Load(flags)
		Expect(err).NotTo(HaveOccurred())
		return cfg
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		flags = pflag.NewFlagSet("test", pflag.ContinueOnError)
		config.RegisterFlags(flags)
		config.RegisterAppFlags(flags)
		config.RegisterRelayFlags(flags)
		config.RegisterServerFlags(flags)
	})

	It("applies defaults", func() {
		cfg := parse()

		Expect(cfg.Transport).To(Equal(config.TransportWebsocket))
		Expect(cfg.Addr).To(Equal(":8080"))
		Expect(cfg.LogLevel).To(Equal("info"))
		Expect(cfg.LogFormat).To(Equal("console"))
		Expect(cfg.Events).To(BeEmpty())
	})

	It("reads flags", func() {
		cfg := parse("--app-id", "12", "--owner", "acme", "--repo", "widgets", "--event", "issues,push", "--event", "pull_request")

		Expect(cfg.AppID).To(Equal(int64(12)))
		Expect(cfg.Owner).To(Equal("acme"))
		Expect(cfg.Repo).To(Equal("widgets"))
		Expect(cfg.Events).To(Equal([]string{"issues", "push", "pull_request"}))
	})

	It("reads prefixed environment variables", func() {
		setenv("GH_APP_RELAY_APP_ID", "34")
		setenv("GH_APP_RELAY_WEBHOOK_SECRET", "env-secret")
		setenv("GH_APP_RELAY_EVENT", "issues, push")

		cfg := parse()

		Expect(cfg.AppID).To(Equal(int64(34)))
		Expect(cfg.WebhookSecret).To(Equal("env-secret"))
		Expect(cfg.Events).To(Equal([]string{"issues", "push"}))
	})

	It("prefers explicit flags over the environment", func() {
		setenv("GH_APP_RELAY_OWNER", "from-env")

		cfg := parse("--owner", "from-flag")

		Expect(cfg.Owner).To(Equal("from-flag"))
	})

	It("loads a dotenv file", func() {
		path := filepath.Join(dir, "relay.env")
		Expect(os.WriteFile(path, []byte("GH_APP_RELAY_HOOK_TOKEN=dotenv-token\n"), 0o600)).To(Succeed())
		DeferCleanup(os.Unsetenv, "GH_APP_RELAY_HOOK_TOKEN")

		Expect(flags.Parse([]string{"--env-file", path})).To(Succeed())
		cfg, err := config.Load(flags)

		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.HookToken).To(Equal("dotenv-token"))
	})

	It("reads a YAML config file below the environment", func() {
		path := filepath.Join(dir, "relay.yaml")
		Expect(os.WriteFile(path, []byte("owner: yaml-owner\nrepo: yaml-repo\ntransport: smee\nevent:\n  - issues\n"), 0o600)).To(Succeed())
		setenv("GH_APP_RELAY_REPO", "env-repo")

		cfg := parse("--config", path)

		Expect(cfg.Owner).To(Equal("yaml-owner"))
		Expect(cfg.Repo).To(Equal("env-repo"))
		Expect(cfg.Transport).To(Equal(config.TransportSmee))
		Expect(cfg.Events).To(Equal([]string{"issues"}))
	})

	It("fails on an unreadable config file", func() {
		Expect(flags.Parse([]string{"--config", filepath.Join(dir, "missing.yaml")})).To(Succeed())

		_, err := config.Load(flags)

		Expect(err).To(MatchError(ContainSubstring("reading config")))
	})
})

var _ = Describe("Validate", func() {
	valid := config.Config{
		AppID:         1,
		PrivateKey:    "key.pem",
		WebhookSecret: "secret",
		Owner:         "acme",
		HookToken:     "token",
		Transport:     config.TransportWebsocket,
	}

	It("accepts a complete relay config", func() {
		Expect(valid.ValidateRelay()).To(Succeed())
	})

	It("reports every missing App credential", func() {
		err := config.Config{}.ValidateApp()

		Expect(err).To(MatchError(ContainSubstring("app id is required")))
		Expect(err).To(MatchError(ContainSubstring("private key is required")))
		Expect(err).To(MatchError(ContainSubstring("webhook secret is required")))
	})

	DescribeTable("rejects incomplete relay settings",
		func(mutate func(*config.Config), message string) {
			cfg := valid
			mutate(&cfg)
			Expect(cfg.ValidateRelay()).To(MatchError(ContainSubstring(message)))
		},
		Entry("owner", func(c *config.Config) { c.Owner = "" }, "owner is required"),
		Entry("hook token", func(c *config.Config) { c.HookToken = "" }, "hook token is required"),
		Entry("smee url", func(c *config.Config) { c.Transport = config.TransportSmee }, "smee url is required"),
		Entry("transport", func(c *config.Config) { c.Transport = "carrier-pigeon" }, `unknown transport "carrier-pigeon"`),
	)
})
