package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kfsoftware/proxypool/cmd/check"
	"github.com/kfsoftware/proxypool/cmd/serve"
)

const (
	proxyPoolDesc = `
proxypool maintains a rotating pool of SOCKS5 proxies, each backed by an SSH
tunnel to a different host. Credentials are continuously vetted for liveness,
dead tunnels are replaced, and port assignments rotate on an interval so
every port keeps refreshing its apparent external IP.
Detailed help for each command is available with 'proxypool help <command>'.
`
)

func NewCmdProxyPool() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxypool",
		Short: "rotating pool of SSH-backed SOCKS5 proxies",
		Long:  proxyPoolDesc,
	}
	cmd.AddCommand(serve.NewServeCmd())
	cmd.AddCommand(check.NewCheckCmd())

	return cmd
}
