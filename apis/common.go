package apis

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gitlab.com/project-nan/uabridge/common"
)

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	Code int     `json:"code"`
	Msg  *string `json:"message,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	Success   bool         `json:"success"`
	RequestID string       `json:"request_id"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// requestIDFromContext fetch the request ID attached by the middleware
func requestIDFromContext(ctxt context.Context) string {
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}

// getStdRESTSuccessMsg define a standard success message
func getStdRESTSuccessMsg(ctxt context.Context) StandardResponse {
	return StandardResponse{Success: true, RequestID: requestIDFromContext(ctxt)}
}

// getStdRESTErrorMsg define a standard error message
func getStdRESTErrorMsg(ctxt context.Context, code int, message *string) StandardResponse {
	return StandardResponse{
		Success:   false,
		RequestID: requestIDFromContext(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: message},
	}
}

// writeRESTResponse write a REST response
func writeRESTResponse(w http.ResponseWriter, respCode int, resp interface{}) error {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(respCode)
	t, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(500)
		return err
	}
	if _, err = w.Write(t); err != nil {
		w.WriteHeader(500)
		return err
	}
	return nil
}

// ========================================================================================

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	requestIDHeader string
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, respCode int, resp interface{}, restCall string,
) {
	if err := writeRESTResponse(w, respCode, &resp); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// logTagsForRequest merge the request's parameters into the handler log tags
func (h APIRestHandler) logTagsForRequest(r *http.Request) log.Fields {
	tags := log.Fields{}
	for field, value := range h.LogTags {
		tags[field] = value
	}
	if param, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam); ok {
		param.UpdateLogTags(tags)
	}
	return tags
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		log.WithFields(h.LogTags).Debugf("New request ID %s", reqID)
		rw.Header().Set(h.requestIDHeader, reqID)
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID:         reqID,
				Host:       r.Host,
				Method:     r.Method,
				URI:        r.URL.String(),
				RemoteAddr: r.RemoteAddr,
			},
		)

		next(rw, r.WithContext(ctx))
	}
}
