// Package processing turns the raw candidate collections returned by
// discovery repositories into a ranking for a device template.
//
// The pipeline is a fixed sequence of stages:
//
//  1. drop containers that belong to another device template
//  2. drop collections without a repository name
//  3. drop invalid device descriptions
//  4. merge duplicates across repositories, keeping the newest description
//  5. drop devices that fail any requirement of the template
//  6. score the remaining devices with the template's criteria
//  7. rank them by descending score, ties by device identity
package processing

import (
	"strings"

	"github.com/c360/mbp/candidate"
	"github.com/c360/mbp/device"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/template"
)

// ValidDevice reports whether a description may enter the pipeline.
func ValidDevice(d *device.Description) bool {
	return d.Valid()
}

// ValidCollection reports whether a collection names its repository.
func ValidCollection(c *candidate.Collection) bool {
	return c != nil && strings.TrimSpace(c.RepositoryName) != ""
}

// MatchingContainers keeps the containers that were produced for templateID.
func MatchingContainers(containers []*candidate.Container, templateID string) []*candidate.Container {
	out := make([]*candidate.Container, 0, len(containers))
	for _, c := range containers {
		if c != nil && c.DeviceTemplateID == templateID {
			out = append(out, c)
		}
	}
	return out
}

// Deduplicate merges descriptions of the same device. The description with
// the newest last update wins; on equal timestamps the later one. The order
// of first appearance is kept.
func Deduplicate(ds []*device.Description) []*device.Description {
	index := make(map[string]int, len(ds))
	out := make([]*device.Description, 0, len(ds))
	for _, d := range ds {
		id := d.Identity()
		if id == "" {
			continue
		}
		i, seen := index[id]
		if !seen {
			index[id] = len(out)
			out = append(out, d)
			continue
		}
		if !d.LastUpdate.Before(out[i].LastUpdate.Time) {
			out[i] = d
		}
	}
	return out
}

// SatisfiesRequirements reports whether d passes every requirement.
func SatisfiesRequirements(tpl *template.DeviceTemplate, d *device.Description, locs location.Lookup) bool {
	for _, r := range tpl.Requirements {
		if r == nil || !r.Matches(d, locs) {
			return false
		}
	}
	return true
}
