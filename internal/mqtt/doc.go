// Package mqtt publishes the bot's health to an MQTT broker as a Home
// Assistant device. On every (re-)connect it publishes retained
// discovery configs for each sensor and an "online" birth message; a
// will message flips availability to "offline" if the bot drops off.
// Sensor states are pushed on a fixed interval.
//
// Connection management and reconnection are handled by Eclipse Paho
// v2's [autopaho] package.
package mqtt
