package standalone

import (
	"io"

	"github.com/sirupsen/logrus"
)

// ComponentLogger tags log with the component name. A nil log discards output.
func ComponentLogger(log logrus.FieldLogger, component string) logrus.FieldLogger {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return log.WithField("component", component)
}
