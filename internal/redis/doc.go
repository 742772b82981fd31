// Package redis bridges the upstream Redis pub/sub feed into the broadcasters.
//
// The Feed abstraction decodes raw pub/sub traffic into a closed event set
// (data vs control) at the boundary. The Subscriber owns the upstream
// connection and a single consumer loop: it strips the channel prefix into a
// topic, routes the payload to the signal or price broadcaster, and survives
// malformed messages and connection loss without taking the process down.
package redis
