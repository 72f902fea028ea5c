package main

// awsDatacenterRanges and gcpDatacenterRanges are a small, illustrative
// seed for the default IP analyser; operators replace these with a
// periodically-refreshed feed (spec.md §4.5 CIDRSource is pluggable for
// exactly this reason).
var awsDatacenterRanges = []string{
	"3.5.140.0/22",
	"13.32.0.0/15",
	"15.177.0.0/18",
	"18.130.0.0/16",
	"52.94.0.0/22",
}

var gcpDatacenterRanges = []string{
	"34.64.0.0/10",
	"35.184.0.0/13",
	"104.154.0.0/15",
	"130.211.0.0/16",
}
