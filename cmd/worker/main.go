package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Reference worker speaking the supervisor's stdout protocol. Real workers
// replace the simulated steps with actual generation work; the contract is
// only the PROGRESS/STEP/RESULT lines and the exit code.
func main() {
	var (
		jobID    = flag.String("job", "", "job id")
		jobType  = flag.String("type", "", "job type")
		resource = flag.String("resource", "", "resource key")
		params   = flag.String("params", "", "job parameters as JSON")
		steps    = flag.Int("steps", 4, "number of simulated steps")
		stepTime = flag.Duration("step-time", 2*time.Second, "duration of each step")
		fail     = flag.Bool("fail", false, "exit non-zero after the first step")
	)
	flag.Parse()

	if *jobID == "" || *jobType == "" {
		fmt.Fprintln(os.Stderr, "job and type are required")
		os.Exit(2)
	}
	_ = *params

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)

	fmt.Printf("worker started for %s (%s)\n", *jobID, *jobType)
	for i := 1; i <= *steps; i++ {
		fmt.Printf("STEP step %d of %d\n", i, *steps)
		select {
		case <-term:
			fmt.Println("received termination signal, stopping")
			os.Exit(143)
		case <-time.After(*stepTime):
		}
		fmt.Printf("PROGRESS %d\n", i*100 / *steps)

		if *fail && i == 1 {
			fmt.Println("simulated failure")
			os.Exit(1)
		}
	}

	fmt.Printf("RESULT %s/%s/output\n", *jobType, *resource)
	os.Exit(0)
}
