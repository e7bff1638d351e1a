package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/dnstun/config"
	"github.com/easymesh/dnstun/dnsd"
	"github.com/easymesh/dnstun/reactor"
	"github.com/easymesh/dnstun/util"
	"github.com/easymesh/dnstun/util/priv"
	"github.com/easymesh/dnstun/util/tun"
	"github.com/easymesh/dnstun/util/udp"
	"github.com/spf13/cobra"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

var errNotRoot = errors.New("not running as root")

const notRootMessage = "Run as root and you'll be happy."

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func usageError(err error) error {
	return &exitError{code: exitUsage, err: err}
}

func fatalError(err error) error {
	logs.Error(err.Error())
	return &exitError{code: exitFail, err: err}
}

type dnsChannel interface {
	reactor.DNSChannel
	Dropped() uint64
	Close() error
}

// system is everything main touches outside the process.
type system struct {
	geteuid    func() int
	lookupUser func(name string) (*priv.Account, error)
	logInit    func(cfg *config.Config) error
	openTun    func() (tun.TunApi, error)
	openDNS    func(listen, domain string) (dnsChannel, error)
	priv       priv.System
	watch      func(flag *util.RunFlag) (cancel func())
	poll       reactor.PollFunc
}

func hostSystem() *system {
	return &system{
		geteuid:    os.Geteuid,
		lookupUser: priv.LookupUser,
		logInit: func(cfg *config.Config) error {
			return util.LogInit(cfg.LogDir, cfg.Foreground || cfg.Debug, cfg.Debug, "dnstund.log")
		},
		openTun: tun.OpenTun,
		openDNS: openDNS,
		priv:    priv.Host{},
		watch:   util.WatchSignal,
	}
}

func openDNS(listen, domain string) (dnsChannel, error) {
	conn, err := udp.OpenUdp(listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s fail, %s", listen, err.Error())
	}
	server, err := dnsd.Open(conn, domain)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return server, nil
}

type flags struct {
	version bool
	config  string

	foreground bool
	debug      bool
	user       string
	chroot     string
	mtu        int
	listen     string
	logDir     string
}

func newRootCmd(sys *system) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "dnstund [flags] tunnel_ip topdomain",
		Short: "IP over DNS tunnel server",
		Long: `dnstund serves topdomain and carries IP packets between a local tun
interface and a single client that encodes them in DNS queries.

tunnel_ip and topdomain may be left out when --config sets tunnel_ip and
top_domain.`,
		Example:       "  dnstund -u nobody -t /var/empty 10.0.0.1 t.example.com",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.version {
				fmt.Fprintln(cmd.OutOrStdout(), "dnstund", util.VersionGet())
				return nil
			}
			return serve(cmd, sys, &f, args)
		},
	}

	fs := cmd.Flags()
	fs.BoolVarP(&f.version, "version", "v", false, "print version and exit")
	fs.BoolVarP(&f.foreground, "foreground", "f", false, "stay in the foreground and log to the console")
	fs.StringVarP(&f.user, "user", "u", "", "drop privileges to this user")
	fs.StringVarP(&f.chroot, "chroot", "t", "", "chroot to this directory")
	fs.IntVarP(&f.mtu, "mtu", "m", config.DefaultMTU, "tunnel device MTU")
	fs.StringVar(&f.listen, "listen", config.DefaultListen, "DNS listen address")
	fs.StringVar(&f.logDir, "log", config.DefaultLogDir, "log dir")
	fs.BoolVar(&f.debug, "debug", false, "debug mode, traces every frame")
	fs.StringVar(&f.config, "config", "", "yaml config file")
	cmd.DisableAutoGenTag = true
	return cmd
}

// settings merges defaults, the config file and the command line.
func settings(cmd *cobra.Command, f *flags, args []string) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("foreground") {
		cfg.Foreground = f.foreground
	}
	if fs.Changed("debug") {
		cfg.Debug = f.debug
	}
	if fs.Changed("user") {
		cfg.User = f.user
	}
	if fs.Changed("chroot") {
		cfg.Chroot = f.chroot
	}
	if fs.Changed("mtu") {
		cfg.MTU = f.mtu
	}
	if fs.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fs.Changed("log") {
		cfg.LogDir = f.logDir
	}
	if len(args) == 2 {
		cfg.TunnelIP = args[0]
		cfg.TopDomain = args[1]
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, sys *system, f *flags, args []string) error {
	if sys.geteuid() != 0 {
		return usageError(errNotRoot)
	}
	// a config file may carry tunnel_ip and top_domain instead
	if len(args) != 2 && !(len(args) == 0 && f.config != "") {
		return usageError(fmt.Errorf("expected tunnel_ip and topdomain, got %d arguments", len(args)))
	}

	cfg, err := settings(cmd, f, args)
	if err != nil {
		return usageError(err)
	}

	var account *priv.Account
	if cfg.User != "" {
		if account, err = sys.lookupUser(cfg.User); err != nil {
			return usageError(err)
		}
	}
	if err = cfg.Validate(); err != nil {
		return usageError(err)
	}
	ipn, err := cfg.TunnelNet(tun.TunnelPrefixLen)
	if err != nil {
		return usageError(err)
	}

	if err = sys.logInit(cfg); err != nil {
		return &exitError{code: exitFail, err: err}
	}
	defer util.LogFlush()
	logs.Info("dnstund %s starting, %s", util.VersionGet(), cfg)

	dev, err := sys.openTun()
	if err != nil {
		return fatalError(fmt.Errorf("open tun device fail, %s", err.Error()))
	}
	defer dev.Close()

	if err = dev.SetAddress(*ipn); err != nil {
		return fatalError(err)
	}
	if err = dev.SetMTU(cfg.MTU); err != nil {
		return fatalError(err)
	}
	logs.Info("tun %s up at %s mtu %d", dev.Name(), ipn, cfg.MTU)

	dns, err := sys.openDNS(cfg.Listen, cfg.TopDomain)
	if err != nil {
		return fatalError(err)
	}
	defer dns.Close()
	logs.Info("serving %s on %s", cfg.TopDomain, cfg.Listen)

	err = priv.Drop(sys.priv, priv.Options{Chroot: cfg.Chroot, Account: account})
	if err != nil {
		var chrootErr *priv.ChrootError
		if errors.As(err, &chrootErr) {
			return fatalError(fmt.Errorf("chroot to %s fail, %w", chrootErr.Dir, chrootErr.Err))
		}
		return fatalError(err)
	}
	if account != nil {
		logs.Info("running as %s", account.Name)
	}

	flag := util.NewRunFlag()
	cancel := sys.watch(flag)
	defer cancel()

	r := reactor.New(dev, dns, flag, reactor.Options{
		ClientIP: ipn.Peer(),
		MTU:      cfg.MTU,
		Trace:    cfg.Debug,
		Poll:     sys.poll,
	})
	err = r.Run()
	logs.Info("reactor stopped, %s, oversize replies dropped %d", r.Stats(), dns.Dropped())
	if err != nil {
		return fatalError(err)
	}
	return nil
}

// execute runs the command line and returns the process exit code. All
// deferred teardown has happened by the time it returns.
func execute(args []string, sys *system, stdout, stderr io.Writer) int {
	cmd := newRootCmd(sys)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}

	code := exitUsage
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		code = exitErr.code
	}
	if errors.Is(err, errNotRoot) {
		fmt.Fprintln(stderr, notRootMessage)
		return code
	}
	fmt.Fprintln(stderr, err.Error())
	if code == exitUsage {
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return code
}

func main() {
	os.Exit(execute(os.Args[1:], hostSystem(), os.Stdout, os.Stderr))
}
