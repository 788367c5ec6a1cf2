//go:build unix

package main

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sagernet/sing-socket"
	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/log"
	"github.com/sagernet/sing-socket/common/reactor"
	"github.com/sagernet/sing-socket/conf"
	"github.com/sagernet/sing-socket/transport/tcp"

	"github.com/SentimensRG/ctx"
	"github.com/SentimensRG/ctx/sigctx"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var logger = log.NewLogger("line-client")

type flags struct {
	Separator  string
	Encoding   string
	Timeout    time.Duration
	LogLevel   string
	ConfigFile string
}

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:     "line-client [host:port]",
		Short:   "line oriented tcp client",
		Version: sing.Version,
		Args:    cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := run(cmd, f, args)
			if err != nil {
				logger.Fatal(err)
			}
		},
	}

	command.Flags().StringVar(&f.Separator, "separator", "", `Set the line separator. Escapes such as \r\n are interpreted.`)
	command.Flags().StringVar(&f.Encoding, "encoding", "", "Set the line encoding.")
	command.Flags().DurationVarP(&f.Timeout, "timeout", "t", 0, "Set the connect timeout.")
	command.Flags().StringVar(&f.LogLevel, "log-level", "", "Set the log level.")
	command.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "Use a configuration file.")

	err := command.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}

func loadConfig(cmd *cobra.Command, f *flags, args []string) (*conf.ClientConfig, error) {
	config := conf.Default()
	if f.ConfigFile != "" {
		var err error
		config, err = conf.Load(f.ConfigFile)
		if err != nil {
			return nil, err
		}
	}
	options := config.Client
	if options == nil {
		options = conf.Default().Client
	}
	if len(args) > 0 {
		host, portStr, err := net.SplitHostPort(args[0])
		if err != nil {
			return nil, E.Cause(err, "parse server address")
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, E.Cause(err, "parse server port")
		}
		options.Server = host
		options.Port = uint16(port)
	}
	if cmd.Flags().Changed("separator") {
		separator, err := conf.ParseSeparator(f.Separator)
		if err != nil {
			return nil, err
		}
		options.Separator = separator
	}
	if cmd.Flags().Changed("encoding") {
		options.Encoding = f.Encoding
	}
	if cmd.Flags().Changed("timeout") {
		options.Timeout = conf.Duration(f.Timeout)
	}
	if cmd.Flags().Changed("log-level") {
		options.LogLevel = f.LogLevel
	}
	if options.Server == "" {
		return nil, E.New("missing server address")
	}
	return options, (&conf.Config{Client: options}).Check()
}

func run(cmd *cobra.Command, f *flags, args []string) error {
	options, err := loadConfig(cmd, f, args)
	if err != nil {
		return err
	}
	err = log.SetLevel(options.LogLevel)
	if err != nil {
		return E.Cause(err, "set log level")
	}
	encoding, err := options.LineEncoding()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx.Defer(sigctx.New(), cancel)

	socket, err := tcp.Dial(runCtx, options.Server, options.Port, tcp.WithDelegate(&socketLogger{}))
	if err != nil {
		return err
	}
	defer socket.Close()
	if !socket.WaitForConnected(options.Timeout.Build()) {
		return E.New("connect to ", socket, ": no connection within ", options.Timeout.Build())
	}

	source, err := openSource()
	if err != nil {
		return err
	}
	defer source.Close()
	sink, err := openSink()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	ctx.Defer(groupCtx, func() {
		source.Close()
		socket.Close()
	})
	group.Go(func() error {
		defer cancel()
		for {
			line, err := socket.ReadLineContext(groupCtx, options.Separator, encoding)
			if err == reactor.ErrNotConnected || err == context.Canceled {
				return nil
			}
			if err != nil {
				return err
			}
			err = sink.WriteLine(line)
			if err != nil {
				return err
			}
		}
	})
	group.Go(func() error {
		for {
			line, err := source.ReadLine(groupCtx)
			if err == errEndOfInput {
				socket.WaitForWriteContext(groupCtx)
				return socket.Disconnect()
			}
			if err == context.Canceled {
				return nil
			}
			if err != nil {
				return err
			}
			err = socket.WriteLine(line, options.Separator, encoding)
			if err == reactor.ErrNotConnected {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
	err = group.Wait()
	return E.Errors(err, sink.Close())
}

type socketLogger struct{}

func (l *socketLogger) SocketConnected(socket *tcp.Socket, host string, port uint16) {
	logger.Info("connected to ", net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func (l *socketLogger) SocketDisconnected(socket *tcp.Socket, host string, port uint16) {
	stats := socket.Stats()
	logger.Info("disconnected, ", stats.Received, " bytes in, ", stats.Sent, " bytes out")
}

func (l *socketLogger) SocketError(socket *tcp.Socket, err error) {
	logger.Error(socket, ": ", err)
}
