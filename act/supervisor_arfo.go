package act

//
// All For One and Rest For One implementation
//

// scopeAllForOne returns all the children in the start order.
func scopeAllForOne(order []*supChild, failed *supChild) []*supChild {
	return order
}

// scopeRestForOne returns the terminated child and the children started
// after it.
func scopeRestForOne(order []*supChild, failed *supChild) []*supChild {
	for i, c := range order {
		if c == failed {
			return order[i:]
		}
	}
	return []*supChild{failed}
}
