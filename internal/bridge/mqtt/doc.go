// Package mqtt bridges the runtime to an MQTT broker. The client wraps
// paho.mqtt.golang with reconnect handling, subscription restoration and a
// Last Will for offline detection. The stream layer mirrors state changes
// out as retained messages and feeds remote events into the bus.
package mqtt
