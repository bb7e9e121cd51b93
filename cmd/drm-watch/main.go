package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type statusEvent struct {
	SubmissionID   string    `json:"submission_id"`
	Status         string    `json:"status"`
	RemoteImageURL string    `json:"remote_image_url"`
	ErrorMessage   string    `json:"error_message"`
	Deleted        bool      `json:"deleted"`
	At             time.Time `json:"at"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address of the agent, e.g. tcp://localhost:1883")
	topic := flag.String("topic", "drm/submissions/+/status", "Status topic filter to follow")
	agentStatus := flag.Bool("agent-status", true, "Also follow drm/agent/status")
	syncNow := flag.Bool("sync", false, "Publish a sync command after connecting")
	once := flag.Bool("once", false, "Exit after the retained state has been printed")

	flag.Parse()

	clientID := fmt.Sprintf("drm-watch-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	onStatus := func(_ mqtt.Client, msg mqtt.Message) {
		var ev statusEvent
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Printf("undecodable payload on %s: %v", msg.Topic(), err)
			return
		}
		switch {
		case ev.Deleted:
			log.Printf("%s deleted", ev.SubmissionID)
		case ev.ErrorMessage != "":
			log.Printf("%s %s: %s", ev.SubmissionID, ev.Status, ev.ErrorMessage)
		default:
			log.Printf("%s %s %s", ev.SubmissionID, ev.Status, ev.RemoteImageURL)
		}
	}
	if token := client.Subscribe(*topic, 0, onStatus); token.Wait() && token.Error() != nil {
		log.Fatalf("subscribe %s: %v", *topic, token.Error())
	}

	if *agentStatus {
		onAgent := func(_ mqtt.Client, msg mqtt.Message) {
			log.Printf("agent %s", msg.Payload())
		}
		if token := client.Subscribe("drm/agent/status", 0, onAgent); token.Wait() && token.Error() != nil {
			log.Fatalf("subscribe agent status: %v", token.Error())
		}
	}

	if *syncNow {
		token := client.Publish("drm/commands/sync", 0, false, []byte("drm-watch"))
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish sync command: %v", err)
		} else {
			log.Print("sync command sent")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		// Retained messages arrive right after the subscription is acknowledged.
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		client.Disconnect(250)
		return
	}

	<-ctx.Done()
	log.Print("received shutdown signal, disconnecting")
	client.Disconnect(250)
}
