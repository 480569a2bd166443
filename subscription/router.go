package subscription

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"gitlab.com/project-nan/uabridge/publisher"
	"gitlab.com/project-nan/uabridge/uaclient"
)

// forwardSampleTask carries one item's samples from the protocol callback
// onto the forwarding event loop
type forwardSampleTask struct {
	session   uaclient.Session
	publisher publisher.Publisher
	topic     string
	nodeID    string
	label     string
	samples   []uaclient.RawSample
}

// handleItemNotification is the notification entry point invoked by the
// protocol stack. It resolves the item handle against the reverse index and
// defers all blocking work to the forwarding loop.
func (r *registryImpl) handleItemNotification(
	serverURL string, item uaclient.ItemHandle, samples []uaclient.RawSample,
) {
	r.lock.Lock()
	record, ok := r.itemIndex[itemKey{serverURL: serverURL, handle: item}]
	if !ok {
		r.lock.Unlock()
		// Late notification for an already removed item
		log.WithFields(r.LogTags).Debugf("Dropping notification for unknown item %d", item)
		return
	}
	info := record.items[item]
	task := forwardSampleTask{
		session:   record.session,
		publisher: record.publisher,
		topic:     record.key.topic,
		nodeID:    info.nodeID,
		label:     info.label,
		samples:   samples,
	}
	r.lock.Unlock()

	submitCtxt, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	if err := r.tp.Submit(task, submitCtxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to queue samples of item %d for forwarding", item,
		)
	}
}

// processForwardSample adapts the task processor callback
func (r *registryImpl) processForwardSample(param interface{}) error {
	task, ok := param.(forwardSampleTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for forwarding", param)
	}
	return r.ProcessForwardSample(task)
}

// ProcessForwardSample decodes an item's samples and publishes them.
//
// Runs on the forwarding event loop. Decode and publish failures are logged
// and the sample dropped; one bad sample never blocks the stream.
func (r *registryImpl) ProcessForwardSample(task forwardSampleTask) error {
	for _, oneSample := range task.samples {
		callCtxt, cancel := context.WithTimeout(context.Background(), r.callTimeout)
		decoded, err := task.session.DecodeValue(callCtxt, task.nodeID, oneSample)
		if err != nil {
			cancel()
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to decode sample of %s", task.nodeID,
			)
			continue
		}
		message := formatSampleMessage(task.topic, task.label, decoded)
		if err := task.publisher.Publish(callCtxt, task.topic, []byte(message)); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to publish sample of %s on %s", task.nodeID, task.topic,
			)
		}
		cancel()
	}
	return nil
}

// formatSampleMessage renders one decoded sample for the broker
func formatSampleMessage(topic, label string, decoded uaclient.Value) string {
	return fmt.Sprintf("%s %s=%v", topic, label, decoded.Value)
}
