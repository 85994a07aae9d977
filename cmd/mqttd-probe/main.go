// Command mqttd-probe connects paho clients to a broker, subscribes each
// to its own topic and publishes to it once a second, logging the round
// trip of every message.
package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-io/requests"
)

var (
	server   = flag.String("server", "tcp://127.0.0.1:1883", "broker url")
	maxConn  = flag.Int("n", 10, "number of clients")
	qos      = flag.Int("qos", 1, "publish and subscribe qos")
	username = flag.String("u", "", "username")
	password = flag.String("P", "", "password")
	count    = flag.Int("count", 0, "messages per client, 0 runs forever")
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()

	group := sync.WaitGroup{}
	for i := 0; i < *maxConn; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			if err := probe(i); err != nil {
				log.Printf("probe %02d: %v", i, err)
			}
		}()
	}
	group.Wait()
}

func probe(i int) error {
	id := requests.GenId()
	connOpts := paho_mqtt.NewClientOptions().AddBroker(*server).SetClientID(id).SetCleanSession(true)
	connOpts.SetAutoReconnect(false)
	if *username != "" {
		connOpts.SetUsername(*username).SetPassword(*password)
	}
	connOpts.SetWill(fmt.Sprintf("probe/%02d/status", i), "gone", 0, false)

	client := paho_mqtt.NewClient(connOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("connected: server=%s, clientId=%s", *server, id)

	name := fmt.Sprintf("probe/%02d/ping", i)
	onMessage := func(_ paho_mqtt.Client, m paho_mqtt.Message) {
		var sent int64
		_, _ = fmt.Sscanf(string(m.Payload()), "%d", &sent)
		log.Printf("topic=%s, rtt=%v", m.Topic(), time.Since(time.Unix(0, sent)))
	}
	if token := client.Subscribe(name, byte(*qos), onMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for n := 0; *count == 0 || n < *count; n++ {
		<-tick.C
		t := client.Publish(name, byte(*qos), false, fmt.Sprintf("%d", time.Now().UnixNano()))
		if t.Wait() && t.Error() != nil {
			return t.Error()
		}
	}
	return nil
}
