package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.AddHook(new(TaggedHook))
}

func NewLogger(tag string) *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger()).WithField("tag", tag)
}

// SetLevel sets the standard logger level from a name such as "debug" or "trace".
func SetLevel(name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}

type TaggedHook struct{}

func (h *TaggedHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *TaggedHook) Fire(entry *logrus.Entry) error {
	if tagObj, loaded := entry.Data["tag"]; loaded {
		tag, isString := tagObj.(string)
		if !isString {
			return nil
		}
		delete(entry.Data, "tag")
		entry.Message = strings.ReplaceAll(entry.Message, tag+": ", "")
		entry.Message = "[" + tag + "]: " + entry.Message
	}
	return nil
}
