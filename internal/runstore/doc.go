// Package runstore persists runs and their steps on a filesystem.
//
// Layout under the runs root:
//
//	<runID>/run.json
//	<runID>/<NN>_<type>/input.json
//	<runID>/<NN>_<type>/status.json
//	<runID>/<NN>_<type>/<artifacts>
//
// A run's steps are rebuilt from directory names alone, so the layout is the
// contract between writers and readers. DeleteStepsFrom implements
// checkpoint rerun; Watcher pushes changes to interested readers.
package runstore
