//go:build debug

package log

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

func init() {
	basePath, _ := filepath.Abs(".")
	logrus.SetLevel(logrus.TraceLevel)
	logrus.StandardLogger().SetReportCaller(true)
	logrus.StandardLogger().Formatter = &logrus.TextFormatter{
		ForceColors: true,
		CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
			file = frame.File + ":" + strconv.Itoa(frame.Line)
			file = strings.TrimPrefix(file, basePath+"/")
			return "", " " + file
		},
	}
}
