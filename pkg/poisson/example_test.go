package poisson_test

import (
	"fmt"
	"sync"

	"github.com/snehjoshi/poissonq/pkg/action"
	"github.com/snehjoshi/poissonq/pkg/poisson"
)

func ExampleScheduler() {
	s := poisson.New[string](1, poisson.WithSeed(7))
	defer s.Close()

	fired := make(chan struct{})
	var once sync.Once
	s.SetAction("tick", action.NewSync(func() bool {
		once.Do(func() { close(fired) })
		return true
	}))
	s.SetRate("tick", 50) // ~50 fires per second

	s.Start()
	<-fired
	fmt.Println("tick fired")
	// Output: tick fired
}

func ExampleQueue() {
	q := poisson.NewQueue[string, int](1, nil, poisson.WithSeed(7))
	defer q.Close()

	processed := make(chan int, 3)
	q.SetProcessor("work", func(v *int) bool {
		processed <- *v
		return true
	}, 100, 2)

	for i := 1; i <= 3; i++ {
		q.QueueItem(i)
	}
	q.Start()

	for i := 0; i < 3; i++ {
		fmt.Println(<-processed)
	}
	// Output:
	// 1
	// 2
	// 3
}
