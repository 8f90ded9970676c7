package worker

import (
	"context"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

const closeTimeout = 2 * time.Second

// Worker is the control plane's handle to one media engine, spoken to over a Channel.
type Worker struct {
	settings ports.WorkerSettings
	channel  *Channel
	stop     func() error
}

func newWorker(settings ports.WorkerSettings, channel *Channel, stop func() error) *Worker {
	return &Worker{settings: settings, channel: channel, stop: stop}
}

func (w *Worker) ID() string {
	return w.settings.ID
}

func (w *Worker) Settings() ports.WorkerSettings {
	return w.settings
}

func (w *Worker) CreateRouter(ctx context.Context, routerID string, caps domain.RtpCapabilities) error {
	return w.channel.Request(ctx, MethodRouterCreate, routerID, routerCreateData{RtpCapabilities: caps}, nil)
}

func (w *Worker) CreateTransport(ctx context.Context, routerID, transportID string, opts domain.WebRtcTransportOptions) (*domain.TransportParameters, error) {
	var params domain.TransportParameters
	err := w.channel.Request(ctx, MethodTransportCreate, transportID, transportCreateData{
		RouterID: routerID,
		Options:  opts,
	}, &params)
	if err != nil {
		return nil, err
	}
	return &params, nil
}

func (w *Worker) ConnectTransport(ctx context.Context, req domain.ConnectTransportRequest) error {
	return w.channel.Request(ctx, MethodTransportConnect, req.TransportID, transportConnectData{
		DtlsParameters: req.DtlsParameters,
		IceParameters:  req.IceParameters,
	}, nil)
}

func (w *Worker) CloseTransport(ctx context.Context, transportID string) error {
	return w.channel.Request(ctx, MethodTransportClose, transportID, nil, nil)
}

func (w *Worker) Produce(ctx context.Context, transportID, producerID string, kind domain.MediaKind, params domain.RtpParameters) error {
	return w.channel.Request(ctx, MethodProducerCreate, producerID, producerCreateData{
		TransportID:   transportID,
		Kind:          kind,
		RtpParameters: params,
	}, nil)
}

func (w *Worker) CloseProducer(ctx context.Context, producerID string) error {
	return w.channel.Request(ctx, MethodProducerClose, producerID, nil, nil)
}

func (w *Worker) Consume(ctx context.Context, transportID, consumerID, producerID string, kind domain.MediaKind, params domain.RtpParameters, paused bool) (domain.RtpParameters, error) {
	var res consumerCreateResult
	err := w.channel.Request(ctx, MethodConsumerCreate, consumerID, consumerCreateData{
		TransportID:   transportID,
		ProducerID:    producerID,
		Kind:          kind,
		RtpParameters: params,
		Paused:        paused,
	}, &res)
	if err != nil {
		return domain.RtpParameters{}, err
	}
	return res.RtpParameters, nil
}

func (w *Worker) ResumeConsumer(ctx context.Context, consumerID string) error {
	return w.channel.Request(ctx, MethodConsumerResume, consumerID, nil, nil)
}

func (w *Worker) CloseConsumer(ctx context.Context, consumerID string) error {
	return w.channel.Request(ctx, MethodConsumerClose, consumerID, nil, nil)
}

func (w *Worker) OnNotification(fn func(ports.WorkerNotification)) {
	w.channel.OnNotification(fn)
}

func (w *Worker) Done() <-chan struct{} {
	return w.channel.Done()
}

// Close asks the engine to shut down, then releases the process or goroutine behind it.
func (w *Worker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	_ = w.channel.Request(ctx, MethodWorkerClose, "", nil, nil)
	_ = w.channel.Close()
	if w.stop != nil {
		return w.stop()
	}
	return nil
}

var _ ports.MediaWorker = (*Worker)(nil)
