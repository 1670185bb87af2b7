package watershed

import (
	"container/heap"
	"context"
)

type floodItem struct {
	cost float64
	age  int
	idx  int
}

// floodQueue orders by ascending cost, then by push order.
type floodQueue []floodItem

func (q floodQueue) Len() int { return len(q) }

func (q floodQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].age < q[j].age
}

func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *floodQueue) Push(x any) { *q = append(*q, x.(floodItem)) }

func (q *floodQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// flood grows the labelled markers over the mask in order of cost. A voxel
// takes the label of the first flooded neighbour that reaches it. It returns
// the number of queue pops.
func flood(ctx context.Context, cost []float64, markers []int32, mask []bool, st stencil) ([]int32, int, error) {
	labels := append([]int32(nil), markers...)
	q := make(floodQueue, 0, len(cost)/4+1)
	age := 0
	for idx, l := range labels {
		if l != 0 {
			q = append(q, floodItem{cost: cost[idx], age: age, idx: idx})
			age++
		}
	}
	heap.Init(&q)

	done := ctx.Done()
	pops := 0
	for q.Len() > 0 {
		select {
		case <-done:
			return nil, pops, ctx.Err()
		default:
		}
		cur := heap.Pop(&q).(floodItem)
		pops++
		l := labels[cur.idx]
		st.each(cur.idx, func(n int) {
			if !mask[n] || labels[n] != 0 {
				return
			}
			labels[n] = l
			heap.Push(&q, floodItem{cost: cost[n], age: age, idx: n})
			age++
		})
	}
	return labels, pops, nil
}
