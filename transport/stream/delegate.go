//go:build unix

package stream

type (
	ReadHandler interface {
		InputReceived(input *Input, n int)
	}
	CloseHandler interface {
		InputClosed(input *Input)
	}
	InputErrorHandler interface {
		InputError(input *Input, err error)
	}
	WriteHandler interface {
		OutputWritten(output *Output, n int)
	}
	OutputErrorHandler interface {
		OutputError(output *Output, err error)
	}
)
