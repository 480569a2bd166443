package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"gitlab.com/project-nan/uabridge/common"
	"gitlab.com/project-nan/uabridge/publisher"
	"gitlab.com/project-nan/uabridge/uaclient"
)

// fakeSubscription is a hand rolled uaclient.Subscription
type fakeSubscription struct {
	parent          *fakeMonitorSession
	lock            sync.Mutex
	interval        time.Duration
	intervalChanges []time.Duration
	items           map[uaclient.ItemHandle]uaclient.ItemRequest
	failNodes       map[string]bool
	deleteErr       error
	deleted         bool
	notify          uaclient.NotificationHandler
}

func (s *fakeSubscription) PublishingInterval() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.interval
}

func (s *fakeSubscription) SetPublishingInterval(
	ctxt context.Context, interval time.Duration,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.interval = interval
	s.intervalChanges = append(s.intervalChanges, interval)
	return nil
}

func (s *fakeSubscription) AddItem(
	ctxt context.Context, request uaclient.ItemRequest,
) (uaclient.ItemHandle, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failNodes[request.NodeID] {
		return 0, fmt.Errorf("item %s rejected", request.NodeID)
	}
	s.parent.lock.Lock()
	s.parent.handleCounter++
	handle := uaclient.ItemHandle(s.parent.handleCounter)
	s.parent.lock.Unlock()
	s.items[handle] = request
	return handle, nil
}

func (s *fakeSubscription) RemoveItem(ctxt context.Context, item uaclient.ItemHandle) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.items, item)
	return nil
}

func (s *fakeSubscription) Delete(ctxt context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = true
	return nil
}

func (s *fakeSubscription) itemCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.items)
}

// fakeMonitorSession is a hand rolled uaclient.Session for monitor testing
type fakeMonitorSession struct {
	lock          sync.Mutex
	handleCounter uint32
	created       []*fakeSubscription
	failNodes     map[string]bool
	subscribeErr  error
}

func (s *fakeMonitorSession) Endpoint() uaclient.Endpoint {
	return uaclient.Endpoint{URL: "opc.tcp://unit-test:4840"}
}

func (s *fakeMonitorSession) ReadValue(
	ctxt context.Context, nodeID string,
) (uaclient.Value, error) {
	return uaclient.Value{Good: true, Value: int32(0)}, nil
}

func (s *fakeMonitorSession) ReadNode(
	ctxt context.Context, nodeID string,
) (uaclient.NodeInfo, error) {
	return uaclient.NodeInfo{ID: nodeID}, nil
}

func (s *fakeMonitorSession) WriteValue(
	ctxt context.Context, nodeID string, value interface{},
) error {
	return nil
}

func (s *fakeMonitorSession) Browse(
	ctxt context.Context,
	nodeID string,
	ref uaclient.ReferenceKind,
	direction uaclient.BrowseDirection,
) ([]uaclient.BrowseEdge, error) {
	return nil, nil
}

func (s *fakeMonitorSession) Subscribe(
	ctxt context.Context, interval time.Duration, notify uaclient.NotificationHandler,
) (uaclient.Subscription, error) {
	s.lock.Lock()
	if s.subscribeErr != nil {
		defer s.lock.Unlock()
		return nil, s.subscribeErr
	}
	s.lock.Unlock()
	created := &fakeSubscription{
		parent:    s,
		interval:  interval,
		items:     make(map[uaclient.ItemHandle]uaclient.ItemRequest),
		failNodes: s.failNodes,
		notify:    notify,
	}
	s.lock.Lock()
	s.created = append(s.created, created)
	s.lock.Unlock()
	return created, nil
}

func (s *fakeMonitorSession) DecodeValue(
	ctxt context.Context, nodeID string, raw uaclient.RawSample,
) (uaclient.Value, error) {
	if raw.Data == nil || raw.Data.Value == nil {
		return uaclient.Value{}, fmt.Errorf("no sample payload")
	}
	return uaclient.Value{Good: true, Value: raw.Data.Value.Value()}, nil
}

func (s *fakeMonitorSession) Close(ctxt context.Context) error {
	return nil
}

func (s *fakeMonitorSession) subscriptions() []*fakeSubscription {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]*fakeSubscription, len(s.created))
	copy(result, s.created)
	return result
}

// fakeMonitorRegistry hands out sessions by server URL, with one default
// session for servers not explicitly registered
type fakeMonitorRegistry struct {
	lock      sync.Mutex
	session   uaclient.Session
	perServer map[string]uaclient.Session
}

func (r *fakeMonitorRegistry) GetOrCreateSession(
	ctxt context.Context, serverURL string,
) (uaclient.Session, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if existing, ok := r.perServer[serverURL]; ok {
		return existing, nil
	}
	return r.session, nil
}

func (r *fakeMonitorRegistry) ProbeAndRecover(ctxt context.Context, serverURL string) bool {
	return true
}

func (r *fakeMonitorRegistry) KnownServers() []string {
	return nil
}

func (r *fakeMonitorRegistry) StartProbeLoop(
	interval time.Duration, wg *sync.WaitGroup,
) error {
	return nil
}

func (r *fakeMonitorRegistry) StopProbeLoop() error {
	return nil
}

func (r *fakeMonitorRegistry) CloseAll(ctxt context.Context) {}

// capturePublisher records published messages
type capturePublisher struct {
	messages chan string
}

func (p *capturePublisher) Publish(
	ctxt context.Context, topic string, message []byte,
) error {
	p.messages <- string(message)
	return nil
}

func (p *capturePublisher) Close(ctxt context.Context) {}

// captureFactory hands out one capture publisher per broker URL
type captureFactory struct {
	lock   sync.Mutex
	active map[string]*capturePublisher
}

func (f *captureFactory) GetPublisher(
	ctxt context.Context, brokerURL string,
) (publisher.Publisher, error) {
	if _, _, err := publisher.ParseBrokerURL(brokerURL); err != nil {
		return nil, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if existing, ok := f.active[brokerURL]; ok {
		return existing, nil
	}
	created := &capturePublisher{messages: make(chan string, 64)}
	f.active[brokerURL] = created
	return created, nil
}

type monitorTestFixture struct {
	uut        Registry
	session    *fakeMonitorSession
	servers    *fakeMonitorRegistry
	publishers *captureFactory
	wg         *sync.WaitGroup
	tp         common.TaskProcessor
}

func defineMonitorFixture(t *testing.T, ctxt context.Context) *monitorTestFixture {
	session := &fakeMonitorSession{failNodes: map[string]bool{}}
	servers := &fakeMonitorRegistry{
		session: session, perServer: map[string]uaclient.Session{},
	}
	publishers := &captureFactory{active: map[string]*capturePublisher{}}
	tp, err := common.GetNewTaskProcessorInstance("forward-test", 16, ctxt)
	assert.Nil(t, err)
	uut, err := DefineRegistry(servers, publishers, tp, time.Second)
	assert.Nil(t, err)
	wg := &sync.WaitGroup{}
	assert.Nil(t, tp.StartEventLoop(wg))
	return &monitorTestFixture{
		uut: uut, session: session, servers: servers,
		publishers: publishers, wg: wg, tp: tp,
	}
}

func oneItemSpec(nodeID string, label string) ItemSpec {
	return sampledItemSpec(nodeID, label, time.Millisecond*100)
}

func sampledItemSpec(nodeID string, label string, sampling time.Duration) ItemSpec {
	return ItemSpec{
		Label: label,
		Request: uaclient.ItemRequest{
			NodeID: nodeID, SamplingInterval: sampling,
		},
	}
}

func TestMonitorRecordCoalescing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()

	request := MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.temp",
		Interval:  time.Millisecond * 500,
		Items:     []ItemSpec{oneItemSpec("ns=2;s=Temp", "temp")},
	}

	// Case 0: first monitor creates the subscription
	{
		results, err := fixture.uut.Monitor(ctxt, request)
		assert.Nil(err)
		assert.Equal([]bool{true}, results)
		assert.Len(fixture.session.subscriptions(), 1)
	}

	// Case 1: same triple reuses the subscription
	{
		request.Items = []ItemSpec{oneItemSpec("ns=2;s=Pressure", "pressure")}
		results, err := fixture.uut.Monitor(ctxt, request)
		assert.Nil(err)
		assert.Equal([]bool{true}, results)
		assert.Len(fixture.session.subscriptions(), 1)
		assert.Equal(2, fixture.session.subscriptions()[0].itemCount())
	}

	// Case 2: a different topic gets its own subscription
	{
		other := request
		other.Topic = "plant.pressure"
		other.Items = []ItemSpec{oneItemSpec("ns=2;s=Pressure", "pressure")}
		results, err := fixture.uut.Monitor(ctxt, other)
		assert.Nil(err)
		assert.Equal([]bool{true}, results)
		assert.Len(fixture.session.subscriptions(), 2)
	}
}

func TestMonitorIntervalOnlyTightens(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()

	// The publishing interval follows the fastest sampling interval of the
	// batch, and only ever tightens
	request := MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.temp",
		Items: []ItemSpec{
			sampledItemSpec("ns=2;s=A", "a", time.Millisecond*200),
			sampledItemSpec("ns=2;s=B", "b", time.Millisecond*500),
		},
	}
	_, err := fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)
	sub := fixture.session.subscriptions()[0]
	assert.Equal(time.Millisecond*200, sub.PublishingInterval())

	// A faster item in a later batch tightens the shared interval
	request.Items = []ItemSpec{
		sampledItemSpec("ns=2;s=C", "c", time.Millisecond*100),
		sampledItemSpec("ns=2;s=D", "d", time.Millisecond*900),
	}
	_, err = fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)
	assert.Equal(time.Millisecond*100, sub.PublishingInterval())

	// A slower batch leaves the interval alone
	request.Items = []ItemSpec{sampledItemSpec("ns=2;s=E", "e", time.Millisecond*400)}
	_, err = fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)
	assert.Equal(time.Millisecond*100, sub.PublishingInterval())
	assert.Equal([]time.Duration{time.Millisecond * 100}, sub.intervalChanges)

	// A request level interval caps below the item sampling intervals
	request.Items = []ItemSpec{sampledItemSpec("ns=2;s=F", "f", time.Millisecond*300)}
	request.Interval = time.Millisecond * 50
	_, err = fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)
	assert.Equal(time.Millisecond*50, sub.PublishingInterval())
}

func TestMonitorPartialBatch(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()
	fixture.session.failNodes["ns=2;s=Broken"] = true

	request := MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.temp",
		Interval:  time.Millisecond * 500,
		Items: []ItemSpec{
			oneItemSpec("ns=2;s=Good", "good"),
			oneItemSpec("ns=2;s=Broken", "broken"),
		},
	}
	results, err := fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)
	assert.Equal([]bool{true, false}, results)

	// Only the good item is left on the subscription and in the index
	sub := fixture.session.subscriptions()[0]
	assert.Equal(1, sub.itemCount())
	registry := fixture.uut.(*registryImpl)
	registry.lock.Lock()
	assert.Len(registry.itemIndex, 1)
	registry.lock.Unlock()
}

func TestMonitorAllItemsRejected(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()
	fixture.session.failNodes["ns=2;s=Broken"] = true

	request := MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.temp",
		Interval:  time.Millisecond * 500,
		Items:     []ItemSpec{oneItemSpec("ns=2;s=Broken", "broken")},
	}
	results, err := fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)
	assert.Equal([]bool{false}, results)

	// The freshly created record was emptied and dropped again
	sub := fixture.session.subscriptions()[0]
	assert.True(sub.deleted)
	assert.False(fixture.uut.Unmonitor(ctxt, request.ServerURL, request.BrokerURL, request.Topic))
}

func TestMonitorRequestValidation(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()

	// Case 0: empty batch
	{
		_, err := fixture.uut.Monitor(ctxt, MonitorRequest{
			ServerURL: "opc.tcp://unit-test:4840",
			BrokerURL: "nats:nats://127.0.0.1:4222",
			Topic:     "plant.temp",
			Interval:  time.Millisecond * 500,
		})
		assert.NotNil(err)
	}

	// Case 1: unsupported broker scheme
	{
		_, err := fixture.uut.Monitor(ctxt, MonitorRequest{
			ServerURL: "opc.tcp://unit-test:4840",
			BrokerURL: "kafka:broker:9092",
			Topic:     "plant.temp",
			Interval:  time.Millisecond * 500,
			Items:     []ItemSpec{oneItemSpec("ns=2;s=A", "a")},
		})
		assert.ErrorIs(err, publisher.ErrUnknownScheme)
	}

	// Case 2: no positive sampling interval anywhere in the request
	{
		_, err := fixture.uut.Monitor(ctxt, MonitorRequest{
			ServerURL: "opc.tcp://unit-test:4840",
			BrokerURL: "nats:nats://127.0.0.1:4222",
			Topic:     "plant.temp",
			Items:     []ItemSpec{sampledItemSpec("ns=2;s=A", "a", 0)},
		})
		assert.NotNil(err)
	}
}

func TestMonitorSubscribeFailureLeavesNoTrace(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()

	fixture.session.lock.Lock()
	fixture.session.subscribeErr = fmt.Errorf("server refused subscription")
	fixture.session.lock.Unlock()

	_, err := fixture.uut.Monitor(ctxt, MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.temp",
		Items:     []ItemSpec{oneItemSpec("ns=2;s=A", "a")},
	})
	assert.NotNil(err)

	// The failed attempt leaves no bookkeeping behind, not even an empty
	// per server map
	registry := fixture.uut.(*registryImpl)
	registry.lock.Lock()
	assert.Empty(registry.records)
	assert.Empty(registry.itemIndex)
	registry.lock.Unlock()
}

func TestConcurrentMonitorSharesOneSubscription(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()

	// Concurrent monitor calls against one triple must never race into two
	// protocol subscriptions
	const callers = 8
	start := make(chan struct{})
	workers := &sync.WaitGroup{}
	for idx := 0; idx < callers; idx++ {
		workers.Add(1)
		go func(idx int) {
			defer workers.Done()
			<-start
			results, err := fixture.uut.Monitor(ctxt, MonitorRequest{
				ServerURL: "opc.tcp://unit-test:4840",
				BrokerURL: "nats:nats://127.0.0.1:4222",
				Topic:     "plant.temp",
				Items: []ItemSpec{
					oneItemSpec(fmt.Sprintf("ns=2;s=Node%d", idx), fmt.Sprintf("n%d", idx)),
				},
			})
			assert.Nil(err)
			assert.Equal([]bool{true}, results)
		}(idx)
	}
	close(start)
	workers.Wait()

	subs := fixture.session.subscriptions()
	assert.Len(subs, 1)
	assert.Equal(callers, subs[0].itemCount())
}

func TestUnmonitorSemantics(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()

	request := MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.temp",
		Interval:  time.Millisecond * 500,
		Items:     []ItemSpec{oneItemSpec("ns=2;s=A", "a")},
	}
	_, err := fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)

	// Case 0: unknown triple is a no-op
	{
		assert.False(fixture.uut.Unmonitor(
			ctxt, request.ServerURL, request.BrokerURL, "other.topic",
		))
	}

	// Case 1: protocol delete failure leaves the record in place
	{
		sub := fixture.session.subscriptions()[0]
		sub.lock.Lock()
		sub.deleteErr = fmt.Errorf("transport down")
		sub.lock.Unlock()
		assert.False(fixture.uut.Unmonitor(
			ctxt, request.ServerURL, request.BrokerURL, request.Topic,
		))
		sub.lock.Lock()
		sub.deleteErr = nil
		sub.lock.Unlock()
	}

	// Case 2: removal succeeds, repeat is a no-op
	{
		assert.True(fixture.uut.Unmonitor(
			ctxt, request.ServerURL, request.BrokerURL, request.Topic,
		))
		assert.False(fixture.uut.Unmonitor(
			ctxt, request.ServerURL, request.BrokerURL, request.Topic,
		))
	}
}

func TestNotificationForwarding(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()
	defer func() {
		assert.Nil(fixture.tp.StopEventLoop())
	}()

	request := MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.temp",
		Interval:  time.Millisecond * 500,
		Items:     []ItemSpec{oneItemSpec("ns=2;s=Temp", "temp")},
	}
	results, err := fixture.uut.Monitor(ctxt, request)
	assert.Nil(err)
	assert.Equal([]bool{true}, results)

	sub := fixture.session.subscriptions()[0]
	var handle uaclient.ItemHandle
	sub.lock.Lock()
	for oneHandle := range sub.items {
		handle = oneHandle
	}
	notify := sub.notify
	sub.lock.Unlock()

	sample := func(value float64) []uaclient.RawSample {
		return []uaclient.RawSample{{Data: &ua.DataValue{Value: ua.MustVariant(value)}}}
	}

	// Samples of one item come out in notification order
	notify(handle, sample(20.5))
	notify(handle, sample(21.0))
	notify(handle, sample(21.5))

	sink := fixture.publishers.active["nats:nats://127.0.0.1:4222"]
	expected := []string{
		"plant.temp temp=20.5", "plant.temp temp=21", "plant.temp temp=21.5",
	}
	for _, oneExpected := range expected {
		select {
		case received := <-sink.messages:
			assert.Equal(oneExpected, received)
		case <-time.After(time.Second):
			assert.FailNow("timed out waiting for forwarded sample")
		}
	}

	// After unmonitor, late notifications for the stale handle are dropped
	assert.True(fixture.uut.Unmonitor(ctxt, request.ServerURL, request.BrokerURL, request.Topic))
	notify(handle, sample(22.0))
	select {
	case unexpected := <-sink.messages:
		assert.Failf("unexpected forward", "received %s", unexpected)
	case <-time.After(time.Millisecond * 200):
	}
}

func TestNotificationRoutingAcrossServers(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixture := defineMonitorFixture(t, ctxt)
	defer fixture.wg.Wait()
	defer cancel()
	defer func() {
		assert.Nil(fixture.tp.StopEventLoop())
	}()

	// Each session allocates its handles independently, so the first item of
	// every server carries the same handle value. Routing must still land
	// each notification on its own server's topic.
	sessionB := &fakeMonitorSession{failNodes: map[string]bool{}}
	fixture.servers.lock.Lock()
	fixture.servers.perServer["opc.tcp://plant-b:4840"] = sessionB
	fixture.servers.lock.Unlock()

	requestA := MonitorRequest{
		ServerURL: "opc.tcp://unit-test:4840",
		BrokerURL: "nats:nats://127.0.0.1:4222",
		Topic:     "plant.a",
		Items:     []ItemSpec{oneItemSpec("ns=2;s=Temp", "temp")},
	}
	results, err := fixture.uut.Monitor(ctxt, requestA)
	assert.Nil(err)
	assert.Equal([]bool{true}, results)

	requestB := requestA
	requestB.ServerURL = "opc.tcp://plant-b:4840"
	requestB.Topic = "plant.b"
	results, err = fixture.uut.Monitor(ctxt, requestB)
	assert.Nil(err)
	assert.Equal([]bool{true}, results)

	grabOneItem := func(session *fakeMonitorSession) (uaclient.ItemHandle, uaclient.NotificationHandler) {
		sub := session.subscriptions()[0]
		sub.lock.Lock()
		defer sub.lock.Unlock()
		for oneHandle := range sub.items {
			return oneHandle, sub.notify
		}
		return 0, nil
	}
	handleA, notifyA := grabOneItem(fixture.session)
	handleB, _ := grabOneItem(sessionB)
	assert.Equal(handleA, handleB)

	// Server A's notification goes out under server A's topic
	notifyA(handleA, []uaclient.RawSample{
		{Data: &ua.DataValue{Value: ua.MustVariant(20.5)}},
	})
	sink := fixture.publishers.active["nats:nats://127.0.0.1:4222"]
	select {
	case received := <-sink.messages:
		assert.Equal("plant.a temp=20.5", received)
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for forwarded sample")
	}
	select {
	case unexpected := <-sink.messages:
		assert.Failf("unexpected forward", "received %s", unexpected)
	case <-time.After(time.Millisecond * 200):
	}
}
