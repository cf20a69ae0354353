// Package redis implements the connection registry store on Redis.
//
// A registration is a hash keyed by connection id. Set indexes per merchant and
// per merchant/user pair back the scans. Lua scripts keep a hash and its index
// memberships consistent on every put and delete.
package redis
