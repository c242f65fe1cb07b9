// Command rotor_logger records the rotord status stream in InfluxDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"go.uber.org/zap"

	"github.com/w1xm/gs232_interface/internal/logging"
)

var (
	org    = flag.String("org", "w1xm", "InfluxDB organization")
	bucket = flag.String("bucket", "rotor.raw", "InfluxDB bucket")
	debug  = flag.Bool("debug", false, "debug logging")
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	log := logging.New("rotor_logger", *debug)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Create client
	client := influxdb2.NewClient(getenv("INFLUX_SERVER", "http://localhost:9999"), os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(*org, *bucket)
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Warnf("write error: %v", err)
		}
	}()

	url := getenv("ROTORD_ADDRESS", "ws://localhost:8502/api/ws")
	for ctx.Err() == nil {
		if err := logData(ctx, url, writeApi, log); err != nil {
			log.Warnf("%s: %v", url, err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

// flattenStatus turns nested JSON into dotted field names.
func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		fields[prefix[1:]] = status
	}
}

func logData(ctx context.Context, url string, writeApi api.WriteApi, log *zap.SugaredLogger) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	log.Infof("logging %s", url)
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")
		// write asynchronously
		writeApi.WritePoint(influxdb2.NewPoint("rotor.status", nil, fields, time.Now()))
	}
}
