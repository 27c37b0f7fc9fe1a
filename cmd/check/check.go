package check

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kfsoftware/proxypool/pkg/tunnel"
)

type checkCmd struct {
	host           string
	username       string
	password       string
	candidatePorts []int
	timeout        int
}

func (c *checkCmd) run() error {
	manager := tunnel.NewManager(tunnel.Config{
		ConnectTimeout: time.Duration(c.timeout) * time.Second,
		LoginTimeout:   time.Duration(c.timeout) * time.Second,
		CandidatePorts: c.candidatePorts,
	})
	start := time.Now()
	if !manager.Verify(context.Background(), c.host, c.username, c.password) {
		return errors.Errorf("%s is dead (%.1fs)", c.host, time.Since(start).Seconds())
	}
	log.Info().Msgf("%s is live (%.1fs)", c.host, time.Since(start).Seconds())
	return nil
}

// NewCheckCmd verifies a single credential once and exits non-zero when it
// cannot serve a tunnel.
func NewCheckCmd() *cobra.Command {
	c := &checkCmd{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "verify a single SSH credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.host, "host", "", "", "SSH host")
	persistentFlags.StringVarP(&c.username, "user", "", "", "SSH username")
	persistentFlags.StringVarP(&c.password, "pass", "", "", "SSH password")
	persistentFlags.IntSliceVarP(&c.candidatePorts, "ports", "", []int{22}, "Candidate SSH ports to try")
	persistentFlags.IntVarP(&c.timeout, "timeout", "", 30, "Connect/login timeout in seconds")

	cmd.MarkPersistentFlagRequired("host")
	cmd.MarkPersistentFlagRequired("user")
	cmd.MarkPersistentFlagRequired("pass")
	return cmd
}
