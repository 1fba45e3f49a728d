// Package cep evaluates rule trigger queries against the value events that
// components publish.
//
// # Overview
//
// Components publish JSON values on "<type>/<id>" topics. The Service
// subscribes to those topics, turns every payload into an Event and runs it
// through the registered triggers. A trigger whose query matches fires its
// callback with an Output built from the event.
//
// # Query Language
//
// A trigger query selects events of one source and filters them with a
// boolean condition:
//
//	SELECT * FROM sensor_4711 WHERE value > 30
//	SELECT value, time FROM dynamic_deployment_dd1 WHERE value < 5 || value > 35
//	SELECT * FROM *
//
// The source is "<component type>_<component id>" or "*" for all sources.
// The condition is an expr-lang expression over the event fields value,
// time (unix milliseconds), id and component. The projection is "*" or a
// comma separated list of those fields.
//
// # Callbacks
//
// Callbacks run on the goroutine that delivers the event and must not
// block. Consumers that do real work enqueue it.
package cep
