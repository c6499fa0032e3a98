// Package redis caches short-lived chain readings, such as per-network gas
// prices, in Redis or in process memory.
package redis
