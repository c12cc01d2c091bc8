// Package hal defines the contract between the host stack and a USB host
// controller driver.
//
// The host stack speaks USB: it enumerates devices, parses descriptors and
// issues standard requests. A HAL speaks to a controller: it owns registers,
// DMA-visible schedules and root hub ports. [HostHAL] is the boundary.
//
// # Optional extensions
//
// A HAL that shapes packets itself needs each endpoint's max packet size
// before the first transfer on it. Such a HAL implements
// [EndpointConfigurer]; the host stack detects it with a type assertion
// and reports endpoints as enumeration discovers them.
//
// # Implementations
//
// The EHCI driver in [github.com/ardnew/softehci/host/hal/ehci] implements
// [HostHAL] and [EndpointConfigurer] on top of a register window, a DMA
// allocator and an interrupt source.
package hal
