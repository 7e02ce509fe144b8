package services

import (
	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

// roomHooks are the collaborators a room reports to. Every hook is safe to call with the
// room locked.
type roomHooks struct {
	notifier ports.Notifier
	observer ports.ProducerObserver
	metrics  ports.RoomMetrics
	publish  func(ports.RoomEvent)
}

func defaultHooks() *roomHooks {
	return &roomHooks{
		notifier: nopNotifier{},
		observer: nopObserver{},
		metrics:  nopMetrics{},
		publish:  func(ports.RoomEvent) {},
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.PeerID, string, interface{}) {}

type nopObserver struct{}

func (nopObserver) OnNewProducer(ports.Router, domain.ProducerID, domain.MediaKind) {}
func (nopObserver) OnProducerClosed(domain.ProducerID)                              {}

type nopMetrics struct{}

func (nopMetrics) RoomCreated()                     {}
func (nopMetrics) RoomClosed()                      {}
func (nopMetrics) PeerJoined(domain.RoomID)         {}
func (nopMetrics) PeerLeft(domain.RoomID)           {}
func (nopMetrics) ProducerCreated(domain.MediaKind) {}
func (nopMetrics) ProducerClosed(domain.MediaKind)  {}
func (nopMetrics) ConsumerCreated(domain.MediaKind) {}
func (nopMetrics) ConsumerClosed(domain.MediaKind)  {}
