package uaclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"gitlab.com/project-nan/uabridge/common"
)

// ErrTypeMismatch indicates a written value is incompatible with the node's data type
var ErrTypeMismatch = errors.New("value type mismatch")

// StatusError is a non-good OPC UA status code returned as an error
type StatusError struct {
	// Code is the raw status code
	Code uint32
	// Text is the textual form of the status code
	Text string
}

// Error implements error
func (e *StatusError) Error() string {
	return fmt.Sprintf("status 0x%08X: %s", e.Code, e.Text)
}

func statusAsError(code ua.StatusCode) error {
	return &StatusError{Code: uint32(code), Text: code.Error()}
}

// notifyBufferLen is the buffer depth of the publish notification channel
const notifyBufferLen = 256

// itemQueueSize is the server side sample queue depth per monitored item
const itemQueueSize = 10

// uaClientImpl implements Client on top of the gopcua stack
type uaClientImpl struct {
	common.Component
	connectTimeout time.Duration
}

// GetUAClient create a protocol client with a session connect timeout
func GetUAClient(connectTimeout time.Duration) (Client, error) {
	logTags := log.Fields{"module": "uaclient", "component": "ua-client"}
	return &uaClientImpl{
		Component: common.Component{LogTags: logTags}, connectTimeout: connectTimeout,
	}, nil
}

// DiscoverEndpoints lists the endpoint candidates a server exposes
func (c *uaClientImpl) DiscoverEndpoints(
	ctxt context.Context, serverURL string,
) ([]Endpoint, error) {
	endpoints, err := opcua.GetEndpoints(ctxt, serverURL)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Endpoint discovery against %s failed", serverURL,
		)
		return nil, err
	}
	results := make([]Endpoint, 0, len(endpoints))
	for _, oneEndpoint := range endpoints {
		results = append(results, Endpoint{
			URL:            oneEndpoint.EndpointURL,
			SecurityMode:   oneEndpoint.SecurityMode.String(),
			SecurityPolicy: oneEndpoint.SecurityPolicyURI,
			SecurityLevel:  oneEndpoint.SecurityLevel,
			desc:           oneEndpoint,
		})
	}
	log.WithFields(c.LogTags).Debugf(
		"Discovered %d endpoints against %s", len(results), serverURL,
	)
	return results, nil
}

// OpenSession establishes a session against one discovered endpoint
func (c *uaClientImpl) OpenSession(
	ctxt context.Context, endpoint Endpoint,
) (Session, error) {
	options := []opcua.Option{}
	if endpoint.desc != nil {
		options = append(
			options, opcua.SecurityFromEndpoint(endpoint.desc, ua.UserTokenTypeAnonymous),
		)
	} else {
		options = append(
			options,
			opcua.SecurityPolicy(endpoint.SecurityPolicy),
			opcua.SecurityModeString(endpoint.SecurityMode),
		)
	}
	client, err := opcua.NewClient(endpoint.URL, options...)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to define client for %s", endpoint.URL,
		)
		return nil, err
	}
	connectCtxt, cancel := context.WithTimeout(ctxt, c.connectTimeout)
	defer cancel()
	if err := client.Connect(connectCtxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to connect session against %s", endpoint.URL,
		)
		return nil, err
	}
	logTags := log.Fields{
		"module": "uaclient", "component": "ua-session", "endpoint": endpoint.URL,
	}
	log.WithFields(logTags).Info("Session established")
	return &uaSessionImpl{
		Component: common.Component{LogTags: logTags},
		endpoint:  endpoint,
		client:    client,
	}, nil
}

// uaSessionImpl implements Session
type uaSessionImpl struct {
	common.Component
	endpoint      Endpoint
	client        *opcua.Client
	handleCounter uint32
}

// Endpoint returns the endpoint this session was opened against
func (s *uaSessionImpl) Endpoint() Endpoint {
	return s.endpoint
}

// ReadValue reads the value attribute of a node
func (s *uaSessionImpl) ReadValue(ctxt context.Context, nodeID string) (Value, error) {
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s: %s", ErrInvalidNodeID, nodeID, err)
	}
	request := &ua.ReadRequest{
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead: []*ua.ReadValueID{{
			NodeID:       parsed,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		}},
	}
	response, err := s.client.Read(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Read %s failed", nodeID)
		return Value{}, err
	}
	if len(response.Results) != 1 {
		return Value{}, fmt.Errorf("read %s returned %d results", nodeID, len(response.Results))
	}
	return decodeDataValue(response.Results[0]), nil
}

// ReadNode reads a node's descriptor attributes
func (s *uaSessionImpl) ReadNode(ctxt context.Context, nodeID string) (NodeInfo, error) {
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("%w: %s: %s", ErrInvalidNodeID, nodeID, err)
	}
	request := &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: parsed, AttributeID: ua.AttributeIDDisplayName},
			{NodeID: parsed, AttributeID: ua.AttributeIDNodeClass},
			{NodeID: parsed, AttributeID: ua.AttributeIDDataType},
		},
	}
	response, err := s.client.Read(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Read node %s failed", nodeID)
		return NodeInfo{}, err
	}
	if len(response.Results) != 3 {
		return NodeInfo{}, fmt.Errorf(
			"read node %s returned %d results", nodeID, len(response.Results),
		)
	}
	info := NodeInfo{ID: parsed.String()}
	if result := response.Results[0]; statusGood(result.Status) && result.Value != nil {
		if name, ok := result.Value.Value().(*ua.LocalizedText); ok {
			info.DisplayName = name.Text
		}
	}
	if result := response.Results[1]; statusGood(result.Status) && result.Value != nil {
		if class, ok := result.Value.Value().(int32); ok {
			info.NodeClass = ua.NodeClass(class).String()
		}
	}
	// DataType attribute is only present on variable class nodes
	if result := response.Results[2]; statusGood(result.Status) && result.Value != nil {
		if dataType, ok := result.Value.Value().(*ua.NodeID); ok {
			info.DataType = dataType.String()
		}
	}
	return info, nil
}

// WriteValue writes the value attribute of a node
func (s *uaSessionImpl) WriteValue(
	ctxt context.Context, nodeID string, value interface{},
) error {
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidNodeID, nodeID, err)
	}
	variant, err := ua.NewVariant(value)
	if err != nil {
		return fmt.Errorf("%w: node %s: %s", ErrTypeMismatch, nodeID, err)
	}
	request := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      parsed,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	}
	response, err := s.client.Write(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Write %s failed", nodeID)
		return err
	}
	if len(response.Results) != 1 {
		return fmt.Errorf("write %s returned %d results", nodeID, len(response.Results))
	}
	status := response.Results[0]
	if status == ua.StatusBadTypeMismatch {
		return fmt.Errorf("%w: node %s", ErrTypeMismatch, nodeID)
	}
	if !statusGood(status) {
		return statusAsError(status)
	}
	return nil
}

// referenceTypeID maps a reference kind onto its well known reference type node
func referenceTypeID(kind ReferenceKind) *ua.NodeID {
	switch kind {
	case RefHasTypeDefinition:
		return ua.NewNumericNodeID(0, id.HasTypeDefinition)
	case RefHasSubtype:
		return ua.NewNumericNodeID(0, id.HasSubtype)
	case RefHasProperty:
		return ua.NewNumericNodeID(0, id.HasProperty)
	default:
		return ua.NewNumericNodeID(0, id.HierarchicalReferences)
	}
}

// Browse follows references of one kind from a node
func (s *uaSessionImpl) Browse(
	ctxt context.Context, nodeID string, ref ReferenceKind, direction BrowseDirection,
) ([]BrowseEdge, error) {
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidNodeID, nodeID, err)
	}
	browseDirection := ua.BrowseDirectionForward
	if direction == BrowseInverse {
		browseDirection = ua.BrowseDirectionInverse
	}
	request := &ua.BrowseRequest{
		View: &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          parsed,
			BrowseDirection: browseDirection,
			ReferenceTypeID: referenceTypeID(ref),
			IncludeSubtypes: true,
			NodeClassMask:   0,
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}
	response, err := s.client.Browse(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Browse %s failed", nodeID)
		return nil, err
	}
	if len(response.Results) != 1 {
		return nil, fmt.Errorf("browse %s returned %d results", nodeID, len(response.Results))
	}
	result := response.Results[0]
	if !statusGood(result.StatusCode) {
		return nil, statusAsError(result.StatusCode)
	}
	edges := make([]BrowseEdge, 0, len(result.References))
	for _, oneRef := range result.References {
		if oneRef == nil {
			continue
		}
		edge := BrowseEdge{NodeClass: oneRef.NodeClass.String()}
		if oneRef.NodeID != nil && oneRef.NodeID.NodeID != nil {
			edge.Target = oneRef.NodeID.NodeID.String()
		}
		if oneRef.DisplayName != nil {
			edge.DisplayName = oneRef.DisplayName.Text
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

// DecodeValue re-reads the source node's definition and decodes a raw sample
func (s *uaSessionImpl) DecodeValue(
	ctxt context.Context, nodeID string, raw RawSample,
) (Value, error) {
	info, err := s.ReadNode(ctxt, nodeID)
	if err != nil {
		return Value{}, err
	}
	decoded := decodeDataValue(raw.Data)
	if decoded.DataType == "Null" && info.DataType != "" {
		decoded.DataType = info.DataType
	}
	return decoded, nil
}

// Subscribe creates a protocol subscription with the given publishing interval
func (s *uaSessionImpl) Subscribe(
	ctxt context.Context, interval time.Duration, notify NotificationHandler,
) (Subscription, error) {
	notifyChan := make(chan *opcua.PublishNotificationData, notifyBufferLen)
	protocolSub, err := s.client.Subscribe(
		ctxt, &opcua.SubscriptionParameters{Interval: interval}, notifyChan,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to create subscription")
		return nil, err
	}
	logTags := log.Fields{
		"module": "uaclient", "component": "ua-subscription", "endpoint": s.endpoint.URL,
	}
	instance := &uaSubscriptionImpl{
		Component:   common.Component{LogTags: logTags},
		session:     s,
		lock:        &sync.Mutex{},
		interval:    interval,
		notify:      notify,
		sub:         protocolSub,
		stopForward: make(chan struct{}),
		items:       make(map[ItemHandle]*uaItemState),
	}
	go instance.forwardLoop(notifyChan, instance.stopForward)
	return instance, nil
}

// Close tears the session down
func (s *uaSessionImpl) Close(ctxt context.Context) error {
	log.WithFields(s.LogTags).Info("Closing session")
	return s.client.Close(ctxt)
}

// uaItemState tracks one monitored item within a subscription
type uaItemState struct {
	request         ItemRequest
	monitoredItemID uint32
}

// uaSubscriptionImpl implements Subscription
type uaSubscriptionImpl struct {
	common.Component
	session     *uaSessionImpl
	lock        *sync.Mutex
	interval    time.Duration
	notify      NotificationHandler
	sub         *opcua.Subscription
	stopForward chan struct{}
	closed      bool
	items       map[ItemHandle]*uaItemState
}

// forwardLoop drains publish notifications from one protocol subscription
// incarnation and hands samples to the registered handler in publish order
func (s *uaSubscriptionImpl) forwardLoop(
	msgChan <-chan *opcua.PublishNotificationData, stop <-chan struct{},
) {
	defer log.WithFields(s.LogTags).Debug("Notification forward loop exiting")
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			if msg.Error != nil {
				log.WithError(msg.Error).WithFields(s.LogTags).Error("Publish notification error")
				continue
			}
			payload, ok := msg.Value.(*ua.DataChangeNotification)
			if !ok {
				log.WithFields(s.LogTags).Debugf("Ignoring notification payload %T", msg.Value)
				continue
			}
			for _, oneItem := range payload.MonitoredItems {
				if oneItem == nil {
					continue
				}
				s.notify(ItemHandle(oneItem.ClientHandle), []RawSample{{Data: oneItem.Value}})
			}
		}
	}
}

// monitorRequest builds the item create request including the deadband filter
func monitorRequest(
	parsed *ua.NodeID, clientHandle uint32, request ItemRequest,
) *ua.MonitoredItemCreateRequest {
	var filter *ua.ExtensionObject
	if request.Deadband != DeadbandNone {
		deadbandType := ua.DeadbandTypeAbsolute
		if request.Deadband == DeadbandPercent {
			deadbandType = ua.DeadbandTypePercent
		}
		filter = &ua.ExtensionObject{
			EncodingMask: ua.ExtensionObjectBinary,
			TypeID: &ua.ExpandedNodeID{
				NodeID: ua.NewNumericNodeID(0, id.DataChangeFilter_Encoding_DefaultBinary),
			},
			Value: ua.DataChangeFilter{
				Trigger:       ua.DataChangeTriggerStatusValue,
				DeadbandType:  uint32(deadbandType),
				DeadbandValue: request.DeadbandValue,
			},
		}
	}
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       parsed,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     clientHandle,
			SamplingInterval: float64(request.SamplingInterval.Milliseconds()),
			Filter:           filter,
			QueueSize:        itemQueueSize,
			DiscardOldest:    true,
		},
	}
}

// PublishingInterval returns the current publishing interval
func (s *uaSubscriptionImpl) PublishingInterval() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.interval
}

// AddItem registers one monitored item. On error nothing was added.
func (s *uaSubscriptionImpl) AddItem(
	ctxt context.Context, request ItemRequest,
) (ItemHandle, error) {
	parsed, err := ua.ParseNodeID(request.NodeID)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidNodeID, request.NodeID, err)
	}
	handle := ItemHandle(atomic.AddUint32(&s.session.handleCounter, 1))
	s.lock.Lock()
	defer s.lock.Unlock()
	response, err := s.sub.Monitor(
		ctxt, ua.TimestampsToReturnBoth, monitorRequest(parsed, uint32(handle), request),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Monitor %s failed", request.NodeID)
		return 0, err
	}
	if len(response.Results) != 1 {
		return 0, fmt.Errorf(
			"monitor %s returned %d results", request.NodeID, len(response.Results),
		)
	}
	result := response.Results[0]
	if !statusGood(result.StatusCode) {
		log.WithFields(s.LogTags).Errorf(
			"Monitor %s rejected with 0x%08X", request.NodeID, uint32(result.StatusCode),
		)
		return 0, statusAsError(result.StatusCode)
	}
	s.items[handle] = &uaItemState{request: request, monitoredItemID: result.MonitoredItemID}
	return handle, nil
}

// RemoveItem deregisters one monitored item
func (s *uaSubscriptionImpl) RemoveItem(ctxt context.Context, item ItemHandle) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	state, ok := s.items[item]
	if !ok {
		return fmt.Errorf("no monitored item with handle %d", item)
	}
	response, err := s.sub.Unmonitor(ctxt, state.monitoredItemID)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unmonitor item %d failed", item)
		return err
	}
	if len(response.Results) == 1 && !statusGood(response.Results[0]) {
		return statusAsError(response.Results[0])
	}
	delete(s.items, item)
	return nil
}

// SetPublishingInterval changes the publishing interval while keeping all
// monitored items and their handles intact.
//
// The protocol subscription is replaced under the hood: a new subscription
// is created at the requested interval, every item is recreated on it with
// its existing client handle, and only then is the old subscription dropped.
func (s *uaSubscriptionImpl) SetPublishingInterval(
	ctxt context.Context, interval time.Duration,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if interval == s.interval {
		return nil
	}
	newChan := make(chan *opcua.PublishNotificationData, notifyBufferLen)
	newSub, err := s.session.client.Subscribe(
		ctxt, &opcua.SubscriptionParameters{Interval: interval}, newChan,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to create replacement subscription")
		return err
	}
	newItemIDs := make(map[ItemHandle]uint32, len(s.items))
	for handle, state := range s.items {
		parsed, err := ua.ParseNodeID(state.request.NodeID)
		if err != nil {
			_ = newSub.Cancel(ctxt)
			return fmt.Errorf("%w: %s: %s", ErrInvalidNodeID, state.request.NodeID, err)
		}
		response, err := newSub.Monitor(
			ctxt, ua.TimestampsToReturnBoth, monitorRequest(parsed, uint32(handle), state.request),
		)
		if err != nil {
			_ = newSub.Cancel(ctxt)
			return err
		}
		if len(response.Results) != 1 || !statusGood(response.Results[0].StatusCode) {
			_ = newSub.Cancel(ctxt)
			return fmt.Errorf("unable to recreate item %d at interval %s", handle, interval)
		}
		newItemIDs[handle] = response.Results[0].MonitoredItemID
	}
	// all items live on the replacement, commit the swap
	for handle, state := range s.items {
		state.monitoredItemID = newItemIDs[handle]
	}
	close(s.stopForward)
	oldSub := s.sub
	s.sub = newSub
	s.interval = interval
	s.stopForward = make(chan struct{})
	go s.forwardLoop(newChan, s.stopForward)
	if err := oldSub.Cancel(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warn("Unable to drop replaced subscription")
	}
	log.WithFields(s.LogTags).Infof("Publishing interval now %s", interval)
	return nil
}

// Delete removes the subscription and all its items
func (s *uaSubscriptionImpl) Delete(ctxt context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopForward)
	s.items = make(map[ItemHandle]*uaItemState)
	if err := s.sub.Cancel(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to cancel subscription")
		return err
	}
	log.WithFields(s.LogTags).Info("Subscription deleted")
	return nil
}
