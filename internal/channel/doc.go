// Package channel defines the delivery contract and its variants.
//
// A channel declares exactly the template parts it consumes; the
// dispatcher renders only those. Channels never retry: a send error
// propagates up and is recorded as a failed attempt.
package channel
