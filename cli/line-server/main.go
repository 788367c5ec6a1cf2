//go:build unix

package main

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/sagernet/sing-socket"
	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/log"
	"github.com/sagernet/sing-socket/common/reactor"
	"github.com/sagernet/sing-socket/conf"
	"github.com/sagernet/sing-socket/transport/tcp"

	"github.com/SentimensRG/ctx"
	"github.com/SentimensRG/ctx/sigctx"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger = log.NewLogger("line-server")

type flags struct {
	Listen     string
	Port       uint16
	Separator  string
	Encoding   string
	LogLevel   string
	ConfigFile string
}

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:     "line-server",
		Short:   "line echo server",
		Version: sing.Version,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			err := run(cmd, f)
			if err != nil {
				logger.Fatal(err)
			}
		},
	}

	command.Flags().StringVarP(&f.Listen, "listen", "l", "", "Set the listen address.")
	command.Flags().Uint16VarP(&f.Port, "port", "p", 0, "Set the listen port.")
	command.Flags().StringVar(&f.Separator, "separator", "", `Set the line separator. Escapes such as \r\n are interpreted.`)
	command.Flags().StringVar(&f.Encoding, "encoding", "", "Set the line encoding.")
	command.Flags().StringVar(&f.LogLevel, "log-level", "", "Set the log level.")
	command.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "Use a configuration file.")

	err := command.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}

func loadConfig(cmd *cobra.Command, f *flags) (*conf.ServerConfig, error) {
	config := conf.Default()
	if f.ConfigFile != "" {
		var err error
		config, err = conf.Load(f.ConfigFile)
		if err != nil {
			return nil, err
		}
	}
	options := config.Server
	if options == nil {
		options = conf.Default().Server
	}
	if cmd.Flags().Changed("listen") {
		options.Listen = f.Listen
	}
	if cmd.Flags().Changed("port") {
		options.Port = f.Port
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
	if cmd.Flags().Changed("log-level") {
		options.LogLevel = f.LogLevel
	}
	return options, (&conf.Config{Server: options}).Check()
}

func run(cmd *cobra.Command, f *flags) error {
	options, err := loadConfig(cmd, f)
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

	echo := &echoServer{
		separator: options.Separator,
		encoding:  encoding,
		sessions:  make(map[*tcp.Socket]struct{}),
	}
	serverOptions := []tcp.Option{tcp.WithDelegate(echo), tcp.WithBacklog(options.Backlog)}
	if options.ReadChunkSize > 0 {
		serverOptions = append(serverOptions, tcp.WithReadChunkSize(options.ReadChunkSize))
	}
	server := tcp.NewServer(options.Listen, options.Port, serverOptions...)
	err = server.StartListen()
	if err != nil {
		return err
	}
	ctx.Defer(sigctx.New(), func() {
		logger.Info("shutting down")
		server.Close()
	})
	server.WaitForStopListeningContext(context.Background())
	echo.closeAll()
	return nil
}

// echoServer writes every received line back to the socket it came from.
type echoServer struct {
	separator string
	encoding  lineio.Encoding

	access   sync.Mutex
	sessions map[*tcp.Socket]struct{}
}

func (e *echoServer) ServerStarted(server *tcp.Server, host string, port uint16) {
	logger.Info("echoing ", strconv.Quote(e.separator), " separated ", e.encoding.Name(), " lines on ", net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func (e *echoServer) ServerStopped(server *tcp.Server, host string, port uint16) {
	logger.Info("server stopped")
}

func (e *echoServer) ServerError(server *tcp.Server, err error) {
	logger.Error("server: ", err)
}

func (e *echoServer) ServerAccepted(server *tcp.Server, count int) {
	for {
		socket, err := server.NextPendingConnection(tcp.WithDelegate(e))
		if err != nil {
			if err != tcp.ErrNoPendingConnection {
				logger.Error("claim connection: ", err)
			}
			return
		}
		e.access.Lock()
		e.sessions[socket] = struct{}{}
		if socket.State() == reactor.StateDisconnected {
			delete(e.sessions, socket)
		}
		e.access.Unlock()
	}
}

func (e *echoServer) SocketConnected(socket *tcp.Socket, host string, port uint16) {
	logger.Info("inbound connection from ", net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func (e *echoServer) SocketDisconnected(socket *tcp.Socket, host string, port uint16) {
	stats := socket.Stats()
	logger.Info("connection from ", net.JoinHostPort(host, strconv.Itoa(int(port))), " closed, ", stats.Received, " bytes in, ", stats.Sent, " bytes out")
	e.access.Lock()
	delete(e.sessions, socket)
	e.access.Unlock()
}

func (e *echoServer) SocketReceived(socket *tcp.Socket, n int) {
	for socket.CanReadLine(e.separator, e.encoding) {
		line, err := socket.ReadLine(e.separator, e.encoding)
		if errors.Is(err, lineio.ErrDecode) {
			logger.Warn(socket, ": dropped ", socket.SkipLine(e.separator, e.encoding), " bytes: ", err)
			continue
		}
		if err == nil {
			err = socket.WriteLine(line, e.separator, e.encoding)
		}
		if err != nil {
			logger.Warn(socket, ": ", err)
			socket.Close()
			return
		}
		logger.Debug(socket, ": ", line)
	}
}

func (e *echoServer) SocketError(socket *tcp.Socket, err error) {
	logger.Warn(socket, ": ", err)
}

func (e *echoServer) closeAll() {
	e.access.Lock()
	sessions := make([]*tcp.Socket, 0, len(e.sessions))
	for socket := range e.sessions {
		sessions = append(sessions, socket)
	}
	e.access.Unlock()
	for _, socket := range sessions {
		socket.Close()
	}
}
