// Package main is the stagecrawler executable.
//
// Configuration is read from the file passed with --config and from
// STAGECRAWLER_* environment variables (STAGECRAWLER_PIPELINE_MAX_WORKERS,
// STAGECRAWLER_FETCHER_USER_AGENT, ...). A pipeline is a list of stages: the
// entry stage fetches a page and scrapes its links, each link becomes a
// stage of the next type, and stages with a case save the record their
// fields produce. In concurrent mode links are fetched by workers admitted
// through a bounded worker queue of pipeline.max_workers slots.
//
//	stagecrawler --config pipeline.yaml validate
//	stagecrawler --config pipeline.yaml visit https://shop.example/catalog
package main

import "github.com/JakeFAU/stagecrawler/cmd"

func main() {
	cmd.Execute()
}
