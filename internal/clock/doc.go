// Package clock abstracts time for the cache eviction policy and the garbage
// collector's grace period, so that age-based behavior can be tested without
// sleeping.
package clock
