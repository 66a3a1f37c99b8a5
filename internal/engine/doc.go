// Package engine decides which subscribers are due for which content and
// delivers it exactly once.
//
// Both trigger sources funnel into one "advance one step" operation:
// live ticks gate steps by the calendar, manual advances in test mode take
// the next plan item unconditionally. A step claims the (subscriber, item)
// ledger slot, sends, and commits cursor + ledger atomically, so duplicate
// or overlapping triggers are absorbed rather than re-delivered.
package engine
