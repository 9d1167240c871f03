package scheduler

// CostForDeviceInSlot computes the marginal cost of running a device drawing
// deviceWatts in a slot, lower is better. Uses the slot's remaining solar so
// concurrent devices correctly split the surplus.
//
// The export price is the opportunity cost of consuming solar instead of
// exporting it: full coverage scores negative (we lose the feed-in revenue),
// partial coverage proportionally discounts the grid price, no coverage is
// the raw grid price. Defined for every input combination including zero and
// negative prices; callers must not pass negative wattages.
func CostForDeviceInSlot(slot *SlotInfo, deviceWatts float64) float64 {
	feedIn := slot.ExportPrice

	if slot.RemainingSolarW >= deviceWatts {
		if feedIn > 0 {
			return -feedIn
		}
		return -1.0
	}

	if slot.RemainingSolarW > 0 {
		solarFraction := slot.RemainingSolarW / deviceWatts
		gridCost := slot.Price * (1.0 - solarFraction)
		if feedIn > 0 {
			return gridCost - feedIn*solarFraction
		}
		return gridCost
	}

	return slot.Price
}
