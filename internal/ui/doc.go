// Package ui implements the `asyncstate watch` terminal dashboard.
//
// The dashboard is a Bubble Tea program showing the cached position, its age and
// source, and the state of the current lookup. Position snapshots arrive through a
// teabridge subscription on the geo cache, so the view updates whether a change
// came from a manual refresh, a watch callback or the cache.
//
// Keys:
//
//   - r: refresh now; repeated presses are throttled
//   - w: toggle the continuous watch
//   - T: cycle the theme; the choice is stored under ui.theme and followed
//     across processes sharing the store
//   - ?: toggle full help
//   - q / ctrl+c: quit
package ui
