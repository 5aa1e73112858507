package core

// bucket returns the variant key a segment assigns to the target. Ranges are
// half-open and taken as configured.
func bucket(target map[string]any, segment Segment) string {
	if segment.Bucket == nil {
		return segment.Variant
	}

	raw, ok := Select(target, segment.Bucket.Selector)
	if !ok {
		return segment.Variant
	}
	value := coerceString(raw)
	if value == "" {
		return segment.Variant
	}

	hash := Hash32(segment.Bucket.Salt + "/" + value)
	allocationValue := int64(hash % 100)
	distributionValue := int64(hash / 100)

	for _, allocation := range segment.Bucket.Allocations {
		if !inRange(allocation.Range, allocationValue) {
			continue
		}
		for _, distribution := range allocation.Distributions {
			if inRange(distribution.Range, distributionValue) {
				return distribution.Variant
			}
		}
		break
	}

	return segment.Variant
}

func inRange(r [2]int64, value int64) bool {
	return value >= r[0] && value < r[1]
}
