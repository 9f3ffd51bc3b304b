// Package throttle implements adaptive request throttling: a bounded
// history of request outcomes, a pattern analyzer that learns a suggested
// inter-request delay from it, and a Throttle that answers "must the caller
// wait before the next request, and for how long".
//
// The throttle never blocks and starts no background work; returned waits
// are advisory and the caller performs the actual suspension. One Throttle
// instance must be scoped to one logical backend+credential combination,
// since sharing an instance across distinct rate-limit domains corrupts
// the learned delay.
package throttle
