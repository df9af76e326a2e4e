// Package discovery centralizes internal service-discovery conventions.
package discovery

import (
	"strconv"
	"strings"
)

const (
	// ServiceConsumer is the stream consumer identity (gRPC health + HTTP metrics).
	ServiceConsumer = "consumer"
	// ServiceRedisOrders is the Redis instance carrying createOrderStream.
	ServiceRedisOrders = "redis-orders"
	// ServiceRedisItems is the Redis instance carrying updateItemCountStream.
	ServiceRedisItems = "redis-items"
	// ServicePostgres is the relational store identity.
	ServicePostgres = "postgres"
)

var grpcPorts = map[string]int{
	ServiceConsumer: 8089,
}

var httpPorts = map[string]int{
	ServiceConsumer: 9090,
}

var tcpPorts = map[string]int{
	ServiceRedisOrders: 7004,
	ServiceRedisItems:  7005,
	ServicePostgres:    5432,
}

// DefaultGRPCAddr returns the canonical in-network gRPC address for a service.
func DefaultGRPCAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), grpcPorts)
}

// DefaultHTTPAddr returns the canonical in-network HTTP address for a service.
func DefaultHTTPAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), httpPorts)
}

// DefaultTCPAddr returns the canonical in-network address of a data service.
func DefaultTCPAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), tcpPorts)
}

// OrDefaultGRPCAddr returns value when set, otherwise the service convention.
func OrDefaultGRPCAddr(value, service string) string {
	return orDefault(value, DefaultGRPCAddr(service))
}

// OrDefaultHTTPAddr returns value when set, otherwise the service convention.
func OrDefaultHTTPAddr(value, service string) string {
	return orDefault(value, DefaultHTTPAddr(service))
}

// OrDefaultTCPAddr returns value when set, otherwise the service convention.
func OrDefaultTCPAddr(value, service string) string {
	return orDefault(value, DefaultTCPAddr(service))
}

// ListenAddr turns a host:port service address into a bind address on all
// interfaces (":port").
func ListenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr
	}
	return addr[idx:]
}

func orDefault(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return fallback
}

func defaultAddr(service string, ports map[string]int) string {
	port, ok := ports[service]
	if !ok || port <= 0 {
		return ""
	}
	return service + ":" + strconv.Itoa(port)
}
