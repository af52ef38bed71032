// Package metrics holds the prometheus collectors of the chat engine
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_broker_connected",
		Help: "1 while the broker session is connected",
	})
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broker_reconnect_attempts_total",
		Help: "Reconnect attempts made after an unexpected drop",
	})
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broker_frames_received_total",
		Help: "STOMP frames received, by command",
	}, []string{"command"})
	MessagesMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_merged_total",
		Help: "Push-delivered messages appended to a conversation",
	})
	DuplicatesAbsorbed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_duplicates_total",
		Help: "Push-delivered messages dropped because their id was already stored",
	})
	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_attachment_uploads_total",
		Help: "Attachment uploads, by outcome",
	}, []string{"outcome"})
	ObjectURLs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_object_urls",
		Help: "Live object URLs held by the attachment pipeline",
	})
)

func init() {
	prometheus.MustRegister(Connected)
	prometheus.MustRegister(ReconnectAttempts)
	prometheus.MustRegister(FramesReceived)
	prometheus.MustRegister(MessagesMerged)
	prometheus.MustRegister(DuplicatesAbsorbed)
	prometheus.MustRegister(Uploads)
	prometheus.MustRegister(ObjectURLs)
}
