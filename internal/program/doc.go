// Package program holds the pure domain of the scripted program: the
// calendar (phases and day offsets anchored to a subscriber's start date)
// and the content plan (the ordered, immutable table of items to deliver).
//
// Nothing in this package touches storage, Telegram, or the clock; callers
// pass civil dates in and get positions and items out.
package program
