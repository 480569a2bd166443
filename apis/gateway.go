// Copyright 2025-2026 The uabridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gitlab.com/project-nan/uabridge/browse"
	"gitlab.com/project-nan/uabridge/common"
	"gitlab.com/project-nan/uabridge/publisher"
	"gitlab.com/project-nan/uabridge/session"
	"gitlab.com/project-nan/uabridge/subscription"
	"gitlab.com/project-nan/uabridge/uaclient"
)

// APIRestGatewayHandler REST handler for the OPC UA gateway
type APIRestGatewayHandler struct {
	APIRestHandler
	sessions session.Registry
	browser  browse.Engine
	monitors subscription.Registry
	validate *validator.Validate
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	sessions session.Registry,
	browser browse.Engine,
	monitors subscription.Registry,
	httpConfig *common.HTTPConfig,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		sessions: sessions,
		browser:  browser,
		monitors: monitors,
		validate: validator.New(),
	}, nil
}

// respondError classify an operation error into a REST error response
func (h APIRestGatewayHandler) respondError(
	w http.ResponseWriter, r *http.Request, err error, restCall string,
) {
	respCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, uaclient.ErrInvalidNodeID),
		errors.Is(err, uaclient.ErrUnknownDeadbandMode),
		errors.Is(err, publisher.ErrUnknownScheme),
		errors.Is(err, browse.ErrNoTypeDefinition),
		errors.Is(err, browse.ErrWriteRejected):
		respCode = http.StatusBadRequest
	case errors.Is(err, session.ErrEndpointDiscovery),
		errors.Is(err, session.ErrSessionUnavailable):
		respCode = http.StatusServiceUnavailable
	}
	msg := err.Error()
	h.reply(w, respCode, getStdRESTErrorMsg(r.Context(), respCode, &msg), restCall)
}

// =======================================================================
// Node attribute access

// APIRestRespNodeValue response with one decoded node value
type APIRestRespNodeValue struct {
	StandardResponse
	// Value is the decoded node value
	Value *APIRestNodeValue `json:"value,omitempty"`
}

// APIRestNodeValue adhoc structure for presenting uaclient.Value
type APIRestNodeValue struct {
	// DataType names the wire type of the value
	DataType string `json:"data_type"`
	// Value is the decoded value
	Value interface{} `json:"value"`
	// Good indicates whether the value status signals success
	Good bool `json:"good"`
	// Status is the textual form of the value status code
	Status string `json:"status"`
	// SourceTimestamp is the source timestamp reported with the value
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// ReadNodeValue godoc
// @Summary Read a node value
// @Description Read the current value of one node on an OPC UA server
// @tags Gateway
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param server query string true "OPC UA server URL"
// @Param node query string true "Node ID"
// @Success 200 {object} APIRestRespNodeValue "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 503 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/node/value [get]
func (h APIRestGatewayHandler) ReadNodeValue(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/node/value"
	localLogTags := h.logTagsForRequest(r)

	serverURL := r.URL.Query().Get("server")
	nodeID := r.URL.Query().Get("node")
	if serverURL == "" || nodeID == "" {
		msg := "missing server or node parameter"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if err := uaclient.ValidateNodeID(nodeID); err != nil {
		h.respondError(w, r, err, restCall)
		return
	}
	value, err := h.browser.ReadValue(r.Context(), serverURL, nodeID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Read %s failed", nodeID)
		h.respondError(w, r, err, restCall)
		return
	}
	h.reply(w, http.StatusOK, APIRestRespNodeValue{
		StandardResponse: getStdRESTSuccessMsg(r.Context()),
		Value: &APIRestNodeValue{
			DataType:        value.DataType,
			Value:           value.Value,
			Good:            value.Good,
			Status:          value.Status,
			SourceTimestamp: value.SourceTimestamp,
		},
	}, restCall)
}

// ReadNodeValueHandler wrapper around ReadNodeValue
func (h APIRestGatewayHandler) ReadNodeValueHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ReadNodeValue(w, r)
	})
}

// -----------------------------------------------------------------------

// APIReqWriteValue request payload for writing a node value
type APIReqWriteValue struct {
	// Server is the OPC UA server URL
	Server string `json:"server" validate:"required,uri"`
	// Node is the node ID to write
	Node string `json:"node" validate:"required"`
	// Value is the value to write
	Value interface{} `json:"value" validate:"required"`
}

// WriteNodeValue godoc
// @Summary Write a node value
// @Description Write a new value to one node on an OPC UA server
// @tags Gateway
// @Accept json
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param payload body APIReqWriteValue true "Write request"
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 503 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/node/value [put]
func (h APIRestGatewayHandler) WriteNodeValue(w http.ResponseWriter, r *http.Request) {
	restCall := "PUT /v1/node/value"
	localLogTags := h.logTagsForRequest(r)

	var request APIReqWriteValue
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "unable to parse request body"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := err.Error()
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if err := uaclient.ValidateNodeID(request.Node); err != nil {
		h.respondError(w, r, err, restCall)
		return
	}
	if err := h.browser.WriteValue(
		r.Context(), request.Server, request.Node, request.Value,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Write %s failed", request.Node)
		h.respondError(w, r, err, restCall)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(r.Context()), restCall)
}

// WriteNodeValueHandler wrapper around WriteNodeValue
func (h APIRestGatewayHandler) WriteNodeValueHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.WriteNodeValue(w, r)
	})
}

// =======================================================================
// Address space browsing

// APIRestNodeReference adhoc structure for presenting uaclient.BrowseEdge
type APIRestNodeReference struct {
	// NodeID is the node ID string of the reference target
	NodeID string `json:"node_id"`
	// DisplayName is the display name of the target node
	DisplayName string `json:"display_name"`
	// NodeClass is the node class name of the target node
	NodeClass string `json:"node_class"`
}

// APIRestRespNodeChildren response listing a node's child references
type APIRestRespNodeChildren struct {
	StandardResponse
	// Children are the hierarchical child references of the node
	Children []APIRestNodeReference `json:"children"`
}

// ListNodeChildren godoc
// @Summary List node children
// @Description List the hierarchical child references of one node
// @tags Gateway
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param server query string true "OPC UA server URL"
// @Param node query string true "Node ID"
// @Success 200 {object} APIRestRespNodeChildren "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 503 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/node/children [get]
func (h APIRestGatewayHandler) ListNodeChildren(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/node/children"
	localLogTags := h.logTagsForRequest(r)

	serverURL := r.URL.Query().Get("server")
	nodeID := r.URL.Query().Get("node")
	if serverURL == "" || nodeID == "" {
		msg := "missing server or node parameter"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if err := uaclient.ValidateNodeID(nodeID); err != nil {
		h.respondError(w, r, err, restCall)
		return
	}
	children, err := h.browser.Children(r.Context(), serverURL, nodeID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Browse %s failed", nodeID)
		h.respondError(w, r, err, restCall)
		return
	}
	converted := make([]APIRestNodeReference, 0, len(children))
	for _, oneChild := range children {
		converted = append(converted, APIRestNodeReference{
			NodeID:      oneChild.Target,
			DisplayName: oneChild.DisplayName,
			NodeClass:   oneChild.NodeClass,
		})
	}
	h.reply(w, http.StatusOK, APIRestRespNodeChildren{
		StandardResponse: getStdRESTSuccessMsg(r.Context()), Children: converted,
	}, restCall)
}

// ListNodeChildrenHandler wrapper around ListNodeChildren
func (h APIRestGatewayHandler) ListNodeChildrenHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ListNodeChildren(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespContainer response with a node's container classification
type APIRestRespContainer struct {
	StandardResponse
	// Container is set when the node's type derives from FolderType
	Container bool `json:"container"`
}

// CheckNodeContainer godoc
// @Summary Classify a node as container
// @Description Report whether a node's type definition derives from FolderType
// @tags Gateway
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param server query string true "OPC UA server URL"
// @Param node query string true "Node ID"
// @Success 200 {object} APIRestRespContainer "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 503 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/node/container [get]
func (h APIRestGatewayHandler) CheckNodeContainer(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/node/container"
	localLogTags := h.logTagsForRequest(r)

	serverURL := r.URL.Query().Get("server")
	nodeID := r.URL.Query().Get("node")
	if serverURL == "" || nodeID == "" {
		msg := "missing server or node parameter"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if err := uaclient.ValidateNodeID(nodeID); err != nil {
		h.respondError(w, r, err, restCall)
		return
	}
	isContainer, err := h.browser.IsContainer(r.Context(), serverURL, nodeID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Classify %s failed", nodeID)
		h.respondError(w, r, err, restCall)
		return
	}
	h.reply(w, http.StatusOK, APIRestRespContainer{
		StandardResponse: getStdRESTSuccessMsg(r.Context()), Container: isContainer,
	}, restCall)
}

// CheckNodeContainerHandler wrapper around CheckNodeContainer
func (h APIRestGatewayHandler) CheckNodeContainerHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.CheckNodeContainer(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespDeadband response with a value node's deadband filter support
type APIRestRespDeadband struct {
	StandardResponse
	// Modes is the combined support rendering
	Modes string `json:"modes"`
	// Absolute is set when the node accepts absolute deadband filters
	Absolute bool `json:"absolute"`
	// Percent is set when the node accepts percent deadband filters
	Percent bool `json:"percent"`
}

// CheckNodeDeadband godoc
// @Summary Determine deadband filter support
// @Description Report which deadband filter modes a value node accepts
// @tags Gateway
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param server query string true "OPC UA server URL"
// @Param node query string true "Node ID"
// @Success 200 {object} APIRestRespDeadband "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 503 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/node/deadband [get]
func (h APIRestGatewayHandler) CheckNodeDeadband(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/node/deadband"
	localLogTags := h.logTagsForRequest(r)

	serverURL := r.URL.Query().Get("server")
	nodeID := r.URL.Query().Get("node")
	if serverURL == "" || nodeID == "" {
		msg := "missing server or node parameter"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if err := uaclient.ValidateNodeID(nodeID); err != nil {
		h.respondError(w, r, err, restCall)
		return
	}
	support, err := h.browser.DeadbandModesFor(r.Context(), serverURL, nodeID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Deadband check %s failed", nodeID,
		)
		h.respondError(w, r, err, restCall)
		return
	}
	h.reply(w, http.StatusOK, APIRestRespDeadband{
		StandardResponse: getStdRESTSuccessMsg(r.Context()),
		Modes:            support.String(),
		Absolute:         support.Absolute,
		Percent:          support.Percent,
	}, restCall)
}

// CheckNodeDeadbandHandler wrapper around CheckNodeDeadband
func (h APIRestGatewayHandler) CheckNodeDeadbandHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.CheckNodeDeadband(w, r)
	})
}

// =======================================================================
// Server availability

// APIRestRespAvailable response with a server's availability
type APIRestRespAvailable struct {
	StandardResponse
	// Available is set when a healthy session exists against the server
	Available bool `json:"available"`
}

// CheckServerAvailable godoc
// @Summary Check server availability
// @Description Probe an OPC UA server's session, recovering it once on failure
// @tags Gateway
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param server query string true "OPC UA server URL"
// @Success 200 {object} APIRestRespAvailable "success"
// @Failure 400 {object} StandardResponse "error"
// @Router /v1/server/available [get]
func (h APIRestGatewayHandler) CheckServerAvailable(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/server/available"

	serverURL := r.URL.Query().Get("server")
	if serverURL == "" {
		msg := "missing server parameter"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	available := h.sessions.ProbeAndRecover(r.Context(), serverURL)
	h.reply(w, http.StatusOK, APIRestRespAvailable{
		StandardResponse: getStdRESTSuccessMsg(r.Context()), Available: available,
	}, restCall)
}

// CheckServerAvailableHandler wrapper around CheckServerAvailable
func (h APIRestGatewayHandler) CheckServerAvailableHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.CheckServerAvailable(w, r)
	})
}

// =======================================================================
// Monitoring

// APIReqMonitorItem describes one value node within a monitor request
type APIReqMonitorItem struct {
	// NodeID is the node ID of the value node to monitor
	NodeID string `json:"node_id" validate:"required"`
	// Label names the item in forwarded messages. Defaults to the node ID.
	Label string `json:"label"`
	// SamplingIntervalMS is the requested sampling interval in milliseconds
	SamplingIntervalMS float64 `json:"sampling_interval_ms" validate:"gte=0"`
	// DeadbandMode selects the deadband filter: none, absolute, or percent
	DeadbandMode string `json:"deadband_mode"`
	// DeadbandValue is the filter threshold
	DeadbandValue float64 `json:"deadband_value" validate:"gte=0"`
}

// APIReqMonitor request payload for monitoring a batch of items
type APIReqMonitor struct {
	// Server is the OPC UA server URL
	Server string `json:"server" validate:"required,uri"`
	// Broker is the `scheme:address` broker destination
	Broker string `json:"broker" validate:"required"`
	// Topic is the broker topic messages are published on
	Topic string `json:"topic" validate:"required"`
	// IntervalMS optionally caps the publishing interval in milliseconds.
	// When omitted the interval follows the items' sampling intervals.
	IntervalMS float64 `json:"interval_ms,omitempty" validate:"gte=0"`
	// Items is the batch of value nodes to monitor
	Items []APIReqMonitorItem `json:"items" validate:"required,min=1,dive"`
}

// APIRestRespMonitor response with per item monitor results
type APIRestRespMonitor struct {
	StandardResponse
	// Results holds one success flag per requested item, in request order
	Results []bool `json:"results"`
}

// MonitorItems godoc
// @Summary Monitor a batch of items
// @Description Monitor value nodes and republish their changes to a broker topic
// @tags Gateway
// @Accept json
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param payload body APIReqMonitor true "Monitor request"
// @Success 200 {object} APIRestRespMonitor "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 503 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/monitor [post]
func (h APIRestGatewayHandler) MonitorItems(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/monitor"
	localLogTags := h.logTagsForRequest(r)

	var request APIReqMonitor
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "unable to parse request body"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := err.Error()
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}

	// The broker scheme and all item parameters resolve at this boundary
	if _, _, err := publisher.ParseBrokerURL(request.Broker); err != nil {
		h.respondError(w, r, err, restCall)
		return
	}
	items := make([]subscription.ItemSpec, 0, len(request.Items))
	for _, oneItem := range request.Items {
		if err := uaclient.ValidateNodeID(oneItem.NodeID); err != nil {
			h.respondError(w, r, err, restCall)
			return
		}
		deadband, err := uaclient.ParseDeadbandMode(oneItem.DeadbandMode)
		if err != nil {
			h.respondError(w, r, err, restCall)
			return
		}
		items = append(items, subscription.ItemSpec{
			Label: oneItem.Label,
			Request: uaclient.ItemRequest{
				NodeID:           oneItem.NodeID,
				SamplingInterval: time.Duration(oneItem.SamplingIntervalMS) * time.Millisecond,
				Deadband:         deadband,
				DeadbandValue:    oneItem.DeadbandValue,
			},
		})
	}

	results, err := h.monitors.Monitor(r.Context(), subscription.MonitorRequest{
		ServerURL: request.Server,
		BrokerURL: request.Broker,
		Topic:     request.Topic,
		Interval:  time.Duration(request.IntervalMS) * time.Millisecond,
		Items:     items,
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Monitor against %s failed", request.Server,
		)
		h.respondError(w, r, err, restCall)
		return
	}
	h.reply(w, http.StatusOK, APIRestRespMonitor{
		StandardResponse: getStdRESTSuccessMsg(r.Context()), Results: results,
	}, restCall)
}

// MonitorItemsHandler wrapper around MonitorItems
func (h APIRestGatewayHandler) MonitorItemsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.MonitorItems(w, r)
	})
}

// -----------------------------------------------------------------------

// UnmonitorItems godoc
// @Summary Stop monitoring
// @Description Remove the subscription of one (server, broker, topic) triple
// @tags Gateway
// @Produce json
// @Param Uabridge-Request-ID header string false "User provided request ID to match against logs"
// @Param server query string true "OPC UA server URL"
// @Param broker query string true "Broker URL"
// @Param topic query string true "Broker topic"
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 404 {object} StandardResponse "error"
// @Router /v1/monitor [delete]
func (h APIRestGatewayHandler) UnmonitorItems(w http.ResponseWriter, r *http.Request) {
	restCall := "DELETE /v1/monitor"

	query := r.URL.Query()
	serverURL := query.Get("server")
	brokerURL := query.Get("broker")
	topic := query.Get("topic")
	if serverURL == "" || brokerURL == "" || topic == "" {
		msg := "missing server, broker, or topic parameter"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(r.Context(), 400, &msg), restCall)
		return
	}
	if !h.monitors.Unmonitor(r.Context(), serverURL, brokerURL, topic) {
		msg := fmt.Sprintf("no subscription for %s -> %s/%s", serverURL, brokerURL, topic)
		h.reply(w, http.StatusNotFound, getStdRESTErrorMsg(r.Context(), 404, &msg), restCall)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(r.Context()), restCall)
}

// UnmonitorItemsHandler wrapper around UnmonitorItems
func (h APIRestGatewayHandler) UnmonitorItemsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.UnmonitorItems(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate gateway server is live
// @tags Gateway
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(r.Context()), "GET /alive")
}

// AliveHandler wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success once every registered session passes its probe
// @tags Gateway
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 503 {object} StandardResponse "error"
// @Router /ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /ready"
	for _, serverURL := range h.sessions.KnownServers() {
		if !h.sessions.ProbeAndRecover(r.Context(), serverURL) {
			msg := fmt.Sprintf("session against %s unavailable", serverURL)
			h.reply(
				w,
				http.StatusServiceUnavailable,
				getStdRESTErrorMsg(r.Context(), 503, &msg),
				restCall,
			)
			return
		}
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(r.Context()), restCall)
}

// ReadyHandler wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
