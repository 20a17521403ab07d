// Command beancounter inspects the jobs and tubes of a beanstalkd pool, clears it,
// or serves embedded beanstalkd servers for local test runs.
package main

import (
	"log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
