package app

import (
	"context"
	"encoding/json"

	"drmsync/go-sync-agent/internal/model"
	"drmsync/go-sync-agent/internal/mqttbroker"
)

const (
	topicAgentStatus = "drm/agent/status"
	topicSyncCommand = "drm/commands/sync"
)

func submissionTopic(id string) string {
	return "drm/submissions/" + id + "/status"
}

// publishEvent mirrors a status event onto MQTT. The latest state of each submission is
// retained so late subscribers see it; a deletion clears the retained message.
func (a *App) publishEvent(ev model.StatusEvent) {
	if a.broker == nil {
		return
	}
	topic := submissionTopic(ev.SubmissionID)

	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("encode status event", "id", ev.SubmissionID, "error", err)
		return
	}

	if ev.Deleted {
		_ = a.broker.Publish(topic, payload, false)
		_ = a.broker.Publish(topic, nil, true)
	} else if err := a.broker.Publish(topic, payload, true); err != nil {
		a.logger.Warn("publish status event", "topic", topic, "error", err)
	}

	a.publishAgentStatus()
}

func (a *App) publishAgentStatus() {
	if a.broker == nil || a.coord == nil {
		return
	}
	payload, err := json.Marshal(a.coord.Status())
	if err != nil {
		a.logger.Error("encode agent status", "error", err)
		return
	}
	if err := a.broker.Publish(topicAgentStatus, payload, true); err != nil {
		a.logger.Warn("publish agent status", "error", err)
	}
}

func (a *App) handleMQTTPublish(_ context.Context, msg mqttbroker.PublishMessage) {
	switch msg.Topic {
	case topicSyncCommand:
		accepted := a.coord.SyncNow()
		a.logger.Info("sync requested over mqtt", "client", msg.ClientID, "accepted", accepted)
	default:
		a.logger.Debug("ignoring mqtt publish", "topic", msg.Topic, "client", msg.ClientID)
	}
}
