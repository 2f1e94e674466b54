package act

//
// One For One and Simple One For One implementation
//

// scopeOneForOne returns the only terminated child.
func scopeOneForOne(order []*supChild, failed *supChild) []*supChild {
	return []*supChild{failed}
}
