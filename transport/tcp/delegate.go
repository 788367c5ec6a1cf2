//go:build unix

package tcp

// Socket delegates implement any subset of these interfaces. Calls are made
// on the socket's delegate queue in the order the events happened.
type (
	ConnectHandler interface {
		SocketConnected(socket *Socket, host string, port uint16)
	}
	DisconnectHandler interface {
		SocketDisconnected(socket *Socket, host string, port uint16)
	}
	ReceiveHandler interface {
		SocketReceived(socket *Socket, n int)
	}
	WriteHandler interface {
		SocketWritten(socket *Socket, n int)
	}
	ErrorHandler interface {
		SocketError(socket *Socket, err error)
	}
)

// Server delegates implement any subset of these interfaces.
type (
	ListenHandler interface {
		ServerStarted(server *Server, host string, port uint16)
	}
	StopHandler interface {
		ServerStopped(server *Server, host string, port uint16)
	}
	AcceptHandler interface {
		ServerAccepted(server *Server, count int)
	}
	ServerErrorHandler interface {
		ServerError(server *Server, err error)
	}
)
