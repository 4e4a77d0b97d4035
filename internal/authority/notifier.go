package authority

import "github.com/sirupsen/logrus"

// LogNotifier records control-source transitions in the process log. Stands
// in where no push channel to operator frontends is wired.
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logrus.WithField("component", "authority.notify")}
}

func (n *LogNotifier) ControlSourceChanged(change Change) {
	n.log.WithFields(logrus.Fields{
		"sn":            change.SN,
		"payload_index": change.PayloadIndex,
	}).Infof("Control source changed: %s -> %s", change.Previous, change.Current)
}
