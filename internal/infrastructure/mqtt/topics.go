package mqtt

import "fmt"

// TopicPrefixDevice is the root of every printer topic.
const TopicPrefixDevice = "device"

// Topics builds the topic names for one printer, identified by its serial.
//
//	topics := mqtt.Topics{Serial: "01P00A000000000"}
//	topics.Report()  // "device/01P00A000000000/report"
//	topics.Request() // "device/01P00A000000000/request"
type Topics struct {
	Serial string
}

// Report returns the topic the printer publishes state reports on.
func (t Topics) Report() string {
	return fmt.Sprintf("%s/%s/report", TopicPrefixDevice, t.Serial)
}

// Request returns the topic the printer accepts commands on.
func (t Topics) Request() string {
	return fmt.Sprintf("%s/%s/request", TopicPrefixDevice, t.Serial)
}

